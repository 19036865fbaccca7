// Package ca implements the certificate-issuance surface on top of the
// serial allocator. Issued certificates are tracked as records in the shared
// directory; those records double as the audit trail the allocator's startup
// reconciliation scans. Profile policy, extension handling, and the wider
// X.509 feature set live outside this package.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/jmcleod/seriatim/allocator"
	"github.com/jmcleod/seriatim/directory"
)

var (
	// ErrCertNotFound is returned when no record exists for the serial.
	ErrCertNotFound = errors.New("certificate not found")
	// ErrAlreadyRevoked is returned when revoking a revoked certificate.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")
	// ErrInvalidRequest is returned for malformed enrollment input.
	ErrInvalidRequest = errors.New("invalid enrollment request")
)

// Well-known attributes on certificate records.
const (
	AttrRequestID   = "requestID"
	AttrSubject     = "subject"
	AttrNotAfter    = "notAfter"
	AttrCertificate = "certificate"
	AttrStatus      = "status"
)

// Status values. A revoked status carries the reason code and time as
// "REVOKED:<reason>:<RFC3339>", so the flip from valid to revoked stays a
// single attribute swap.
const (
	statusValid         = "VALID"
	statusRevokedPrefix = "REVOKED:"
)

const defaultValidity = 90 * 24 * time.Hour

// CA signs certificates with serials drawn from the certificate repository
// and request IDs drawn from the request repository.
type CA struct {
	dir      directory.Store
	serials  *allocator.Repository
	requests *allocator.Repository
	cert     *x509.Certificate
	keys     *KeyStore
	logger   *zap.Logger

	recordsDN string

	mu        sync.Mutex
	crlNumber *big.Int
}

// Option configures the CA.
type Option func(*CA)

// WithLogger sets the structured logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(c *CA) {
		c.logger = logger
	}
}

// WithRecordsDN overrides the subtree certificate records are written to.
// It must match the certificate repository's records DN, or startup
// reconciliation will not see issued serials.
func WithRecordsDN(dn string) Option {
	return func(c *CA) {
		c.recordsDN = dn
	}
}

// New creates a CA from an issuing certificate and its sealed signing key.
func New(dir directory.Store, serials, requests *allocator.Repository, cert *x509.Certificate, keys *KeyStore, opts ...Option) (*CA, error) {
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA certificate", cert.Subject.CommonName)
	}
	c := &CA{
		dir:       dir,
		serials:   serials,
		requests:  requests,
		cert:      cert,
		keys:      keys,
		logger:    zap.NewNop(),
		recordsDN: "ou=certificateRecords,dc=seriatim",
		crlNumber: big.NewInt(1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// IssueRequest describes an enrollment. The subject key comes from the
// requester; the CA never generates end-entity keys.
type IssueRequest struct {
	CommonName   string
	DNSNames     []string
	IPAddresses  []net.IP
	Validity     time.Duration
	PublicKeyPEM string
}

// IssuedCertificate is the result of a successful enrollment.
type IssuedCertificate struct {
	SerialNumber   string
	RequestID      string
	CertificatePEM string
	NotBefore      time.Time
	NotAfter       time.Time
}

// Issue signs a certificate for the request. An exhausted serial repository
// surfaces as allocator.ErrExhausted and fails the enrollment; nothing is
// retried here.
func (c *CA) Issue(ctx context.Context, req IssueRequest) (*IssuedCertificate, error) {
	cn := norm.NFC.String(strings.TrimSpace(req.CommonName))
	if cn == "" {
		return nil, fmt.Errorf("%w: missing common name", ErrInvalidRequest)
	}
	pub, err := parsePublicKey(req.PublicKeyPEM)
	if err != nil {
		return nil, err
	}
	validity := req.Validity
	if validity <= 0 {
		validity = defaultValidity
	}

	requestID, err := c.requests.Next()
	if err != nil {
		return nil, fmt.Errorf("assigning request ID: %w", err)
	}
	serial, err := c.serials.Next()
	if err != nil {
		return nil, fmt.Errorf("assigning serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
	}

	var der []byte
	err = c.keys.Sign(func(signer crypto.Signer) error {
		var signErr error
		der, signErr = x509.CreateCertificate(rand.Reader, template, c.cert, pub, signer)
		return signErr
	})
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	serialText := c.serials.Format(serial)
	c.writeRecord(ctx, serialText, requestID, cn, template.NotAfter, certPEM)

	c.logger.Info("certificate issued",
		zap.String("serial", serialText),
		zap.String("subject", cn),
		zap.String("requestID", c.requests.Format(requestID)))

	return &IssuedCertificate{
		SerialNumber:   serialText,
		RequestID:      c.requests.Format(requestID),
		CertificatePEM: certPEM,
		NotBefore:      template.NotBefore,
		NotAfter:       template.NotAfter,
	}, nil
}

// writeRecord stores the issued-certificate record. The certificate is
// already signed and returned to the caller, so a write failure only costs
// the audit record and the restart-reconciliation hint; it is logged, not
// fatal.
func (c *CA) writeRecord(ctx context.Context, serial string, requestID *big.Int, subject string, notAfter time.Time, certPEM string) {
	dn := c.recordDN(serial)
	rec := &directory.Record{
		Attributes: map[string][]string{
			allocator.AttrSerialNumber: {serial},
			AttrRequestID:              {c.requests.Format(requestID)},
			AttrSubject:                {subject},
			AttrNotAfter:               {notAfter.UTC().Format(time.RFC3339)},
			AttrCertificate:            {certPEM},
			AttrStatus:                 {statusValid},
		},
	}
	if err := c.dir.Add(ctx, dn, rec); err != nil {
		c.logger.Error("certificate record not written", zap.String("dn", dn), zap.Error(err))
	}
}

func (c *CA) recordDN(serial string) string {
	return fmt.Sprintf("cn=%s,%s", serial, c.recordsDN)
}

func parsePublicKey(pemText string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("%w: missing public key PEM", ErrInvalidRequest)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return pub, nil
}

// Revoke marks the certificate revoked. The status flip is a single
// delete-old/add-new modification: deleting the exact VALID value makes two
// racing revocations (or a revocation racing replication) detectable instead
// of silently double-applied.
func (c *CA) Revoke(ctx context.Context, serial string, reason int) error {
	dn := c.recordDN(serial)
	rec, err := c.dir.Read(ctx, dn)
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("serial %s: %w", serial, ErrCertNotFound)
	}
	if err != nil {
		return err
	}
	if strings.HasPrefix(rec.First(AttrStatus), statusRevokedPrefix) {
		return fmt.Errorf("serial %s: %w", serial, ErrAlreadyRevoked)
	}

	marker := statusRevokedPrefix + strconv.Itoa(reason) + ":" + time.Now().UTC().Format(time.RFC3339)
	result, err := c.dir.Modify(ctx, dn,
		directory.Attr{Name: AttrStatus, Value: statusValid},
		directory.Attr{Name: AttrStatus, Value: marker})
	switch result {
	case directory.ModifyApplied:
	case directory.ModifyConflict:
		return fmt.Errorf("serial %s: %w", serial, ErrAlreadyRevoked)
	default:
		return fmt.Errorf("revoking serial %s: %w", serial, err)
	}

	c.logger.Info("certificate revoked", zap.String("serial", serial), zap.Int("reason", reason))
	return nil
}

// revocation is one revoked entry parsed from a certificate record.
type revocation struct {
	serial    *big.Int
	reason    int
	revokedAt time.Time
}

func (c *CA) parseRevocation(rec *directory.Record) (*revocation, bool) {
	status := rec.First(AttrStatus)
	if !strings.HasPrefix(status, statusRevokedPrefix) {
		return nil, false
	}
	serial, err := c.serials.Parse(rec.First(allocator.AttrSerialNumber))
	if err != nil {
		return nil, false
	}
	rest := strings.SplitN(strings.TrimPrefix(status, statusRevokedPrefix), ":", 2)
	rev := &revocation{serial: serial}
	if len(rest) == 2 {
		rev.reason, _ = strconv.Atoi(rest[0])
		rev.revokedAt, _ = time.Parse(time.RFC3339, rest[1])
	}
	if rev.revokedAt.IsZero() {
		rev.revokedAt = time.Now()
	}
	return rev, true
}

// CRL builds and signs a fresh certificate revocation list from the
// directory's revoked records.
func (c *CA) CRL(ctx context.Context) ([]byte, error) {
	recs, err := c.dir.Search(ctx, c.recordsDN, directory.Filter{})
	if err != nil {
		return nil, fmt.Errorf("listing certificate records: %w", err)
	}
	var entries []x509.RevocationListEntry
	for _, rec := range recs {
		rev, ok := c.parseRevocation(rec)
		if !ok {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   rev.serial,
			RevocationTime: rev.revokedAt,
			ReasonCode:     rev.reason,
		})
	}

	c.mu.Lock()
	number := new(big.Int).Set(c.crlNumber)
	c.crlNumber.Add(c.crlNumber, big.NewInt(1))
	c.mu.Unlock()

	now := time.Now()
	template := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(24 * time.Hour),
	}
	var der []byte
	err = c.keys.Sign(func(signer crypto.Signer) error {
		var signErr error
		der, signErr = x509.CreateRevocationList(rand.Reader, template, c.cert, signer)
		return signErr
	})
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

// Certificate returns the issuing certificate.
func (c *CA) Certificate() *x509.Certificate {
	return c.cert
}
