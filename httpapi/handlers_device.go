package httpapi

import (
	"errors"
	"net/http"

	"github.com/MrEthical07/hybridauth"
	"github.com/MrEthical07/hybridauth/middleware"
)

type deviceRequest struct {
	UserAgent  string `json:"user_agent"`
	IPAddress  string `json:"ip_address"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	var body deviceRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	d, err := s.engine.RegisterDevice(r.Context(), claims.UserID, hybridauth.DeviceRegistration{
		UserAgent:  body.UserAgent,
		IPAddress:  body.IPAddress,
		DeviceName: body.DeviceName,
		DeviceType: body.DeviceType,
	})
	if err != nil {
		if errors.Is(err, hybridauth.ErrSpoofingSuspected) && d != nil {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":     "spoofing_suspected",
				"message":   "device registration requires verification",
				"device_id": d.DeviceID,
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	devices, err := s.engine.ListDevices(r.Context(), claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type verificationRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	if s.opts.DeliverCode == nil {
		writeCodedError(w, http.StatusNotImplemented, "delivery_unavailable", "verification code delivery is not configured")
		return
	}
	claims, _ := middleware.ClaimsFromContext(r.Context())
	var body verificationRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	code, err := s.engine.RequestDeviceVerification(r.Context(), claims.UserID, body.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.opts.DeliverCode(r.Context(), claims.UserID, body.DeviceID, code); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type verifyRequest struct {
	VerificationCode string `json:"verification_code"`
}

func (s *Server) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	var body verifyRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	ok, err := s.engine.VerifyDevice(r.Context(), claims.UserID, body.VerificationCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": ok})
}
