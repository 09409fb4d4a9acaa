package server

import (
	"encoding/json"
	"net/http"

	"github.com/visiblelabs/visible/internal/service"
)

type sendOTPRequest struct {
	Mobile string `json:"mobile"`
}

// SendOTPAPI handles POST /api/1/authentication/send-otp.
func (s *Server) SendOTPAPI(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.otp.Send(r.Context(), req.Mobile); err != nil {
		httpError(w, r, err)
		return
	}

	httpResponse(w, "otp sent", http.StatusOK)
}

type verifyOTPRequest struct {
	Mobile string `json:"mobile"`
	OTP    string `json:"otp"`
}

type verifyOTPResponse struct {
	Status      string `json:"status"`
	AccessToken string `json:"access_token"`
	Mobile      string `json:"mobile"`
	Role        string `json:"role"`
	IsNewUser   bool   `json:"is_new_user"`
}

// VerifyOTPAPI handles POST /api/1/authentication/verify-otp.
func (s *Server) VerifyOTPAPI(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.otp.Verify(r.Context(), req.Mobile, req.OTP)
	if err != nil {
		// Redeeming a wrong code answers 400, not 401: the caller is not
		// presenting a credential, it is failing the login challenge.
		if service.IsKind(err, service.KindAuth) {
			httpResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		httpError(w, r, err)
		return
	}

	httpResponseJSON(w, verifyOTPResponse{
		Status:      "success",
		AccessToken: result.AccessToken,
		Mobile:      result.User.Mobile,
		Role:        string(result.User.Role),
		IsNewUser:   result.IsNewUser,
	}, http.StatusOK)
}
