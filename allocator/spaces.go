package allocator

import (
	"math/big"

	"github.com/jmcleod/seriatim/directory"
	"github.com/jmcleod/seriatim/rangeconfig"
)

// Number space names, used as configuration key prefixes and in the admin
// API paths.
const (
	SpaceCertificate = "certificate"
	SpaceRequest     = "request"
	SpaceReplica     = "replica"
)

func hexInt(s string) *big.Int {
	n, _ := new(big.Int).SetString(s, 16)
	return n
}

// NewCertificateRepository allocates certificate serial numbers. Serials are
// rendered in hex. Pass WithRandomAllocation to draw unpredictable serials.
func NewCertificateRepository(dir directory.Store, cfg rangeconfig.Store, opts ...Option) *Repository {
	base := []Option{
		WithInitialRange(big.NewInt(1), hexInt("fffff")),
		WithIncrement(hexInt("100000")),
		WithLowWaterMark(hexInt("2000")),
		WithRecordsDN("ou=certificateRecords,dc=seriatim"),
		WithRangeDN("ou=certificate,ou=ranges,dc=seriatim"),
	}
	return newRepository(SpaceCertificate, 16, dir, cfg, append(base, opts...)...)
}

// NewRequestRepository allocates enrollment request IDs, rendered in
// base 10.
func NewRequestRepository(dir directory.Store, cfg rangeconfig.Store, opts ...Option) *Repository {
	base := []Option{
		WithInitialRange(big.NewInt(1), big.NewInt(9999999)),
		WithIncrement(big.NewInt(10000000)),
		WithLowWaterMark(big.NewInt(2000)),
		WithRecordsDN("ou=requestRecords,dc=seriatim"),
		WithRangeDN("ou=request,ou=ranges,dc=seriatim"),
	}
	return newRepository(SpaceRequest, 10, dir, cfg, append(base, opts...)...)
}

// NewReplicaIDRepository assigns unique replication identifiers to directory
// replicas. Same mechanics as the other spaces with much smaller ranges.
func NewReplicaIDRepository(dir directory.Store, cfg rangeconfig.Store, opts ...Option) *Repository {
	base := []Option{
		WithInitialRange(big.NewInt(1), big.NewInt(100)),
		WithIncrement(big.NewInt(100)),
		WithLowWaterMark(big.NewInt(20)),
		WithRecordsDN(""),
		WithRangeDN("ou=replica,ou=ranges,dc=seriatim"),
	}
	return newRepository(SpaceReplica, 10, dir, cfg, append(base, opts...)...)
}
