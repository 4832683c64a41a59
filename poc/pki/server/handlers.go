package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/oapi-codegen/runtime"

	"github.com/margo/sealed-telemetry/poc/pki/api"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/contentstore"
	httputils "github.com/margo/sealed-telemetry/shared-lib/http"
)

// bindPathParam decodes a simple-style path parameter the way generated servers do. The router
// matches on the escaped path, so the segment is unescaped here exactly once.
func bindPathParam(r *http.Request, name string) (string, error) {
	var value string
	err := runtime.BindStyledParameterWithOptions("simple", name, mux.Vars(r)[name], &value, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Required:      true,
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	deviceID, err := bindPathParam(r, "deviceId")
	if err != nil {
		httputils.WriteError(w, http.StatusBadRequest, "invalid deviceId parameter")
		return
	}

	s.log.Infow("Registering device", "deviceId", deviceID)
	bundle, err := s.authority.Issue(r.Context(), deviceID)
	if err != nil {
		switch {
		case errors.Is(err, pki.ErrInvalidDeviceID):
			s.metrics.issueFailures.WithLabelValues("invalid_device_id").Inc()
			httputils.WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, pki.ErrPublish):
			s.metrics.issueFailures.WithLabelValues("publish").Inc()
			s.log.Errorw("Failed to publish public key", "deviceId", deviceID, "error", err)
			httputils.WriteError(w, http.StatusBadGateway, "failed to publish public key")
		case errors.Is(err, pki.ErrSign):
			s.metrics.issueFailures.WithLabelValues("sign").Inc()
			s.log.Errorw("Failed to sign certificate", "deviceId", deviceID, "error", err)
			httputils.WriteError(w, http.StatusInternalServerError, "failed to sign certificate")
		default:
			s.metrics.issueFailures.WithLabelValues("internal").Inc()
			s.log.Errorw("Failed to issue certificate", "deviceId", deviceID, "error", err)
			httputils.WriteError(w, http.StatusInternalServerError, "failed to issue certificate")
		}
		return
	}

	s.metrics.issued.Inc()
	httputils.WriteJSON(w, http.StatusOK, api.RegisterResponse{
		Certificate: bundle.CertificatePEM,
		PrivateKey:  bundle.PrivateKeyPEM,
		PublicKey:   bundle.PublicKeyPEM,
		CA:          bundle.CACertificatePEM,
		IpfsHash:    bundle.ContentAddress,
	})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	deviceID, err := bindPathParam(r, "deviceId")
	if err != nil {
		httputils.WriteError(w, http.StatusBadRequest, "invalid deviceId parameter")
		return
	}

	record, err := s.authority.LookupCurrentAddress(r.Context(), deviceID)
	if err != nil {
		switch {
		case errors.Is(err, pki.ErrInvalidDeviceID):
			s.metrics.lookups.WithLabelValues("invalid").Inc()
			httputils.WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, pki.ErrNotFound):
			s.metrics.lookups.WithLabelValues("not_found").Inc()
			httputils.WriteError(w, http.StatusNotFound, "no public key published for device")
		default:
			s.metrics.lookups.WithLabelValues("error").Inc()
			s.log.Errorw("Failed to look up public key", "deviceId", deviceID, "error", err)
			httputils.WriteError(w, http.StatusInternalServerError, "failed to look up public key")
		}
		return
	}

	s.metrics.lookups.WithLabelValues("found").Inc()
	httputils.WriteJSON(w, http.StatusOK, api.PublicKeyResponse{
		PublicKey: record.PublicKeyPEM,
		IpfsHash:  record.ContentAddress,
	})
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	address, err := bindPathParam(r, "address")
	if err != nil {
		httputils.WriteError(w, http.StatusBadRequest, "invalid address parameter")
		return
	}

	data, err := s.content.Fetch(r.Context(), address)
	if err != nil {
		if errors.Is(err, contentstore.ErrNotFound) {
			s.metrics.gatewayRequests.WithLabelValues("not_found").Inc()
			httputils.WriteError(w, http.StatusNotFound, "content not found")
			return
		}
		s.metrics.gatewayRequests.WithLabelValues("error").Inc()
		s.log.Errorw("Failed to fetch content", "address", address, "error", err)
		httputils.WriteError(w, http.StatusInternalServerError, "failed to fetch content")
		return
	}

	s.metrics.gatewayRequests.WithLabelValues("found").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputils.WriteJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}
