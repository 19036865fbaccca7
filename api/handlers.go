package api

import (
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jmcleod/seriatim/ca"
)

// Enroll handles POST /enroll.
func (a *API) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ips := make([]net.IP, 0, len(req.IPAddresses))
	for _, raw := range req.IPAddresses {
		ip := net.ParseIP(raw)
		if ip == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid IP address %q", raw))
			return
		}
		ips = append(ips, ip)
	}

	issued, err := a.authority.Issue(r.Context(), ca.IssueRequest{
		CommonName:   req.CommonName,
		DNSNames:     req.DNSNames,
		IPAddresses:  ips,
		Validity:     time.Duration(req.ValidityDays) * 24 * time.Hour,
		PublicKeyPEM: req.PublicKeyPEM,
	})
	if err != nil {
		a.logger.Warn("enrollment failed", zap.Error(err))
		mapError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, EnrollResponse{
		SerialNumber:   issued.SerialNumber,
		RequestID:      issued.RequestID,
		CertificatePEM: issued.CertificatePEM,
		NotBefore:      issued.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:       issued.NotAfter.UTC().Format(time.RFC3339),
	})
}

// Revoke handles POST /revoke/{serial}. The body is optional; an absent or
// empty body revokes with reason 0 (unspecified).
func (a *API) Revoke(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	var req RevokeRequest
	if err := decodeJSON(r, &req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.authority.Revoke(r.Context(), serial, req.Reason); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCRL handles GET /crl.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.authority.CRL(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(crl)
}

// OCSP handles POST /ocsp with a DER-encoded request body.
func (a *API) OCSP(w http.ResponseWriter, r *http.Request) {
	der, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := a.authority.OCSPResponse(r.Context(), der)
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.Write(resp)
}

// CACertificate handles GET /ca-certificate.
func (a *API) CACertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: a.authority.Certificate().Raw})
}

// NextSerial handles GET /admin/{space}/next. It consumes a number.
func (a *API) NextSerial(w http.ResponseWriter, r *http.Request) {
	repo := a.repo(r)
	n, err := repo.Next()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SerialResponse{Serial: repo.Format(n)})
}

// PeekSerial handles GET /admin/{space}/peek.
func (a *API) PeekSerial(w http.ResponseWriter, r *http.Request) {
	repo := a.repo(r)
	n, err := repo.PeekNext()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SerialResponse{Serial: repo.Format(n)})
}

// SpaceStatus handles GET /admin/{space}/status.
func (a *API) SpaceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.repo(r).Status())
}

// SetRange handles PUT /admin/{space}/range.
func (a *API) SetRange(w http.ResponseWriter, r *http.Request) {
	repo := a.repo(r)
	var req SetRangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	min, err := repo.Parse(req.Min)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	max, err := repo.Parse(req.Max)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if min.Cmp(max) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("min %s above max %s", req.Min, req.Max))
		return
	}
	if err := repo.SetRange(min, max); err != nil {
		mapError(w, err)
		return
	}
	a.logger.Info("serial range set", zap.String("space", repo.Name()),
		zap.String("min", req.Min), zap.String("max", req.Max))
	writeJSON(w, http.StatusOK, repo.Status())
}

// SetSerialManagement handles PUT /admin/{space}/serial-management.
func (a *API) SetSerialManagement(w http.ResponseWriter, r *http.Request) {
	repo := a.repo(r)
	var req SetManagementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repo.SetSerialManagement(req.Enabled)
	writeJSON(w, http.StatusOK, SetManagementRequest{Enabled: repo.SerialManagementEnabled()})
}

// CheckRanges handles POST /admin/{space}/check-ranges, running one
// maintenance cycle on demand.
func (a *API) CheckRanges(w http.ResponseWriter, r *http.Request) {
	repo := a.repo(r)
	if err := repo.CheckRanges(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo.Status())
}
