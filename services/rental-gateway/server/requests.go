package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"rentalpay/crypto"
	"rentalpay/native/rental"
)

const maxRequestBody = 1 << 20

type challengeRequest struct {
	Address string `json:"address" validate:"required,address"`
}

type sessionRequest struct {
	ChallengeID string `json:"challengeId" validate:"required,uuid"`
	Signature   string `json:"signature" validate:"required,hexadecimal"`
}

type openBookingRequest struct {
	Owner           string  `json:"owner" validate:"required,address"`
	DurationSeconds *uint64 `json:"durationSeconds" validate:"required"`
	Deposit         string  `json:"deposit" validate:"required,wei"`
}

type resolveRequest struct {
	FavorRenter *bool `json:"favorRenter" validate:"required"`
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required,wei"`
}

type webhookRequest struct {
	EventType string `json:"eventType" validate:"required,max=64"`
	URL       string `json:"url" validate:"required,url,max=512"`
	Secret    string `json:"secret" validate:"required,min=16,max=128"`
	RateLimit int    `json:"rateLimit" validate:"gte=0,lte=6000"`
}

type reconcileRequest struct {
	Start string `json:"start" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	End   string `json:"end" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("address", func(fl validator.FieldLevel) bool {
		addr, err := crypto.ParseAddress(fl.Field().String())
		return err == nil && !addr.IsZero()
	})
	_ = v.RegisterValidation("wei", func(fl validator.FieldLevel) bool {
		_, ok := parseWei(fl.Field().String())
		return ok
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return badRequest("read body: " + err.Error())
	}
	if len(body) > maxRequestBody {
		return badRequest("request body too large")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badRequest("invalid JSON payload: " + err.Error())
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
			}
			return badRequest("validation failed: " + strings.Join(fields, "; "))
		}
		return badRequest(err.Error())
	}
	return nil
}

// parseWei accepts a positive base-10 integer.
func parseWei(raw string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

type bookingResponse struct {
	ID              uint64 `json:"id"`
	Renter          string `json:"renter"`
	Owner           string `json:"owner"`
	Amount          string `json:"amount"`
	Commission      string `json:"commission"`
	StartTime       int64  `json:"startTime"`
	EndTime         int64  `json:"endTime"`
	IsDisputeRaised bool   `json:"isDisputeRaised"`
	IsResolved      bool   `json:"isResolved"`
	Status          string `json:"status"`
	DisputedAt      int64  `json:"disputedAt,omitempty"`
	ResolvedAt      int64  `json:"resolvedAt,omitempty"`
	SettledTo       string `json:"settledTo,omitempty"`
	SettledAmount   string `json:"settledAmount,omitempty"`
}

func newBookingResponse(b *rental.Booking) bookingResponse {
	resp := bookingResponse{
		ID:              b.ID,
		Renter:          crypto.Address(b.Renter).Hex(),
		Owner:           crypto.Address(b.Owner).Hex(),
		Amount:          bigString(b.Amount),
		Commission:      bigString(b.Commission),
		StartTime:       b.StartTime,
		EndTime:         b.EndTime,
		IsDisputeRaised: b.IsDisputeRaised,
		IsResolved:      b.IsResolved,
		Status:          b.Status(),
		DisputedAt:      b.DisputedAt,
		ResolvedAt:      b.ResolvedAt,
	}
	if b.IsResolved {
		resp.SettledTo = crypto.Address(b.SettledTo).Hex()
		resp.SettledAmount = bigString(b.SettledAmount)
	}
	return resp
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
