package ca

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/seriatim/directory"
)

// OCSPResponse answers a DER-encoded OCSP request for a single certificate.
// Unknown serials produce an Unknown status rather than an error, per the
// protocol; only a signing or directory failure is surfaced.
func (c *CA) OCSPResponse(ctx context.Context, der []byte) ([]byte, error) {
	req, err := ocsp.ParseRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := time.Now()
	template := ocsp.Response{
		SerialNumber: req.SerialNumber,
		Status:       ocsp.Unknown,
		ThisUpdate:   now,
		NextUpdate:   now.Add(time.Hour),
	}

	rec, err := c.dir.Read(ctx, c.recordDN(c.serials.Format(req.SerialNumber)))
	switch {
	case err == nil:
		if rev, revoked := c.parseRevocation(rec); revoked {
			template.Status = ocsp.Revoked
			template.RevokedAt = rev.revokedAt
			template.RevocationReason = rev.reason
		} else {
			template.Status = ocsp.Good
		}
	case errors.Is(err, directory.ErrNotFound):
		// Status stays Unknown.
	default:
		return nil, fmt.Errorf("looking up serial for OCSP: %w", err)
	}

	var resp []byte
	err = c.keys.Sign(func(signer crypto.Signer) error {
		var signErr error
		resp, signErr = ocsp.CreateResponse(c.cert, c.cert, template, signer)
		return signErr
	})
	if err != nil {
		return nil, fmt.Errorf("signing OCSP response: %w", err)
	}
	return resp, nil
}
