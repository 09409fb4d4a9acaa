package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/klient"

	"github.com/visiblelabs/visible/internal/service"
)

var mobilePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

// SMSSender delivers a one-time code to a mobile number.
type SMSSender interface {
	SendSMS(ctx context.Context, mobile, message string) error
}

// otpEntry is a pending code. Only the hash is kept.
type otpEntry struct {
	hash      string
	expiresAt time.Time
	attempts  int
}

const maxOTPAttempts = 5

// OTPService generates, delivers and redeems login codes, creating the user
// row on first successful verification.
type OTPService struct {
	users  service.UserStorer
	issuer *TokenIssuer
	sender SMSSender
	ttl    time.Duration

	mu    sync.Mutex
	codes map[string]otpEntry
}

func NewOTPService(users service.UserStorer, issuer *TokenIssuer, sender SMSSender, ttl time.Duration) *OTPService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &OTPService{
		users:  users,
		issuer: issuer,
		sender: sender,
		ttl:    ttl,
		codes:  make(map[string]otpEntry),
	}
}

// Send generates a fresh 6-digit code for mobile and hands it to the SMS
// sender. A new code replaces any previous one for the same number.
func (s *OTPService) Send(ctx context.Context, mobile string) error {
	if !mobilePattern.MatchString(mobile) {
		return service.Validationf("invalid mobile number")
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate otp: %w", err)
	}

	s.mu.Lock()
	s.codes[mobile] = otpEntry{hash: hashCode(code), expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	if s.sender == nil {
		slog.Debug("otp generated, no sms sender configured", "mobile", mobile, "code", code)
		return nil
	}

	if err := s.sender.SendSMS(ctx, mobile, fmt.Sprintf("Your VISIBLE verification code is %s", code)); err != nil {
		return service.Transientf(err, "deliver otp")
	}

	return nil
}

// VerifyResult is what a successful OTP redemption yields.
type VerifyResult struct {
	AccessToken string        `json:"access_token"`
	User        *service.User `json:"-"`
	IsNewUser   bool          `json:"is_new_user"`
}

// Verify redeems a code, creating the user on first login and minting an
// access token.
func (s *OTPService) Verify(ctx context.Context, mobile, code string) (*VerifyResult, error) {
	if !mobilePattern.MatchString(mobile) {
		return nil, service.Validationf("invalid mobile number")
	}

	s.mu.Lock()
	entry, ok := s.codes[mobile]
	if ok {
		if time.Now().After(entry.expiresAt) {
			delete(s.codes, mobile)
			ok = false
		} else {
			entry.attempts++
			if entry.attempts > maxOTPAttempts {
				delete(s.codes, mobile)
				ok = false
			} else {
				s.codes[mobile] = entry
			}
		}
	}
	s.mu.Unlock()

	if !ok || subtle.ConstantTimeCompare([]byte(entry.hash), []byte(hashCode(code))) != 1 {
		return nil, service.Authf("invalid or expired otp")
	}

	s.mu.Lock()
	delete(s.codes, mobile)
	s.mu.Unlock()

	user, err := s.users.GetUserByMobile(ctx, mobile)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	isNew := false
	if user == nil {
		created, err := s.users.CreateUser(ctx, service.User{
			ID:        ulid.Make().String(),
			Mobile:    mobile,
			Role:      service.RoleSeeker,
			Verified:  true,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		user = created
		isNew = true
	}

	token, err := s.issuer.Mint(user.ID, user.Mobile, user.Verified)
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	return &VerifyResult{AccessToken: token, User: user, IsNewUser: isNew}, nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// ─── SMS delivery ───

// HTTPSMSSender posts codes to an external SMS gateway.
type HTTPSMSSender struct {
	client *klient.Client
	url    string
	apiKey string
}

func NewHTTPSMSSender(gatewayURL, apiKey string) (*HTTPSMSSender, error) {
	client, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create sms http client: %w", err)
	}

	return &HTTPSMSSender{client: client, url: gatewayURL, apiKey: apiKey}, nil
}

func (s *HTTPSMSSender) SendSMS(ctx context.Context, mobile, message string) error {
	body, err := json.Marshal(map[string]string{
		"to":      mobile,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	if err := s.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			return fmt.Errorf("sms gateway returned %d", r.StatusCode)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("send sms: %w", err)
	}

	return nil
}
