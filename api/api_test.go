package api_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/seriatim/allocator"
	"github.com/jmcleod/seriatim/api"
	"github.com/jmcleod/seriatim/ca"
	dirmemory "github.com/jmcleod/seriatim/directory/memory"
	cfgmemory "github.com/jmcleod/seriatim/rangeconfig/memory"
)

func setupServer(t *testing.T, certOpts ...allocator.Option) *httptest.Server {
	t.Helper()
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()

	serials := allocator.NewCertificateRepository(dir, cfg, certOpts...)
	require.NoError(t, serials.Initialize(t.Context()))
	requests := allocator.NewRequestRepository(dir, cfg)
	require.NoError(t, requests.Initialize(t.Context()))
	replicas := allocator.NewReplicaIDRepository(dir, cfg)
	require.NoError(t, replicas.Initialize(t.Context()))

	cert, keys, err := ca.NewSelfSigned(&x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Seriatim API Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	})
	require.NoError(t, err)
	authority, err := ca.New(dir, serials, requests, cert, keys)
	require.NoError(t, err)

	a := api.New(authority, []*allocator.Repository{serials, requests, replicas})
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func publicKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func enroll(t *testing.T, baseURL, cn string) api.EnrollResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/enroll", api.EnrollRequest{
		CommonName:   cn,
		DNSNames:     []string{cn},
		PublicKeyPEM: publicKeyPEM(t),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var issued api.EnrollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issued))
	return issued
}

func TestEnroll(t *testing.T) {
	srv := setupServer(t)

	issued := enroll(t, srv.URL, "service.example.com")
	assert.NotEmpty(t, issued.SerialNumber)
	assert.NotEmpty(t, issued.RequestID)

	block, _ := pem.Decode([]byte(issued.CertificatePEM))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "service.example.com", cert.Subject.CommonName)
}

func TestEnrollRejectsMissingKey(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/enroll", api.EnrollRequest{
		CommonName: "nokey.example.com",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnrollExhaustedReturns503(t *testing.T) {
	srv := setupServer(t,
		allocator.WithInitialRange(big.NewInt(1), big.NewInt(1)),
		allocator.WithSerialManagement(false))

	enroll(t, srv.URL, "only.example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/enroll", api.EnrollRequest{
		CommonName:   "toomany.example.com",
		PublicKeyPEM: publicKeyPEM(t),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRevokeAndCRL(t *testing.T) {
	srv := setupServer(t)
	issued := enroll(t, srv.URL, "revoke.example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/revoke/"+issued.SerialNumber, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Revoking twice conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/revoke/"+issued.SerialNumber, api.RevokeRequest{Reason: 1})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown serials are not found.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/revoke/deadbeef", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/crl", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crlPEM, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	assert.Len(t, crl.RevokedCertificateEntries, 1)
}

func TestAdminNextAndPeek(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/request/peek", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var peeked api.SerialResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peeked))
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/request/next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var drawn api.SerialResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&drawn))
	resp.Body.Close()

	assert.Equal(t, peeked.Serial, drawn.Serial)
}

func TestAdminUnknownSpace(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/bogus/next", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminSetRange(t *testing.T) {
	srv := setupServer(t)

	// Certificate serials are hexadecimal.
	resp := doJSON(t, http.MethodPut, srv.URL+"/api/v1/admin/certificate/range", api.SetRangeRequest{
		Min: "a0", Max: "ff",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status allocator.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "a0", status.CurrentMin)
	assert.Equal(t, "ff", status.CurrentMax)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/certificate/next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var drawn api.SerialResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&drawn))
	resp.Body.Close()
	assert.Equal(t, "a0", drawn.Serial)

	// Moving the range below the issued cursor is rejected.
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/admin/certificate/range", api.SetRangeRequest{
		Min: "1", Max: "9f",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Garbage bounds are a client error.
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/admin/certificate/range", api.SetRangeRequest{
		Min: "zz", Max: "ff",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminSerialManagementAndCheckRanges(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/api/v1/admin/replica/serial-management", api.SetManagementRequest{Enabled: false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var setting api.SetManagementRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&setting))
	resp.Body.Close()
	assert.False(t, setting.Enabled)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/replica/check-ranges", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status allocator.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "replica", status.Name)
}

func TestOCSPEndpoint(t *testing.T) {
	srv := setupServer(t)
	issued := enroll(t, srv.URL, "ocsp.example.com")

	// Fetch the CA certificate to build the OCSP request against.
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/ca-certificate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	caPEM, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	caBlock, _ := pem.Decode(caPEM)
	require.NotNil(t, caBlock)
	caCert, err := x509.ParseCertificate(caBlock.Bytes)
	require.NoError(t, err)

	leafBlock, _ := pem.Decode([]byte(issued.CertificatePEM))
	require.NotNil(t, leafBlock)
	leaf, err := x509.ParseCertificate(leafBlock.Bytes)
	require.NoError(t, err)

	reqDER, err := ocsp.CreateRequest(leaf, caCert, nil)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/ocsp", bytes.NewReader(reqDER))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/ocsp-request")
	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	assert.Equal(t, "application/ocsp-response", httpResp.Header.Get("Content-Type"))
}
