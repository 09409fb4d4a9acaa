package server

import (
	"net/http"

	"github.com/visiblelabs/visible/internal/service"
)

type categoryView struct {
	service.WorkCategory
	SubCategories []service.WorkSubCategory `json:"sub_categories"`
}

// ListCategoriesAPI handles GET /api/1/work-categories/.
func (s *Server) ListCategoriesAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		httpError(w, r, err)
		return
	}

	result := make([]categoryView, 0, len(categories))
	for _, c := range categories {
		subs, err := s.store.ListSubCategories(ctx, c.Code)
		if err != nil {
			httpError(w, r, err)
			return
		}
		if subs == nil {
			subs = []service.WorkSubCategory{}
		}
		result = append(result, categoryView{WorkCategory: c, SubCategories: subs})
	}

	httpResponseJSON(w, map[string]any{"categories": result}, http.StatusOK)
}
