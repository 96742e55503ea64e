// Package device declares the media-manager contract consumed by the core
// (SPEC_FULL.md §6). The media manager itself -- device geometry discovery,
// DMA pools, the actual channel/LUN/plane/block/page/sector addressing
// hardware -- is out of scope (spec.md §1); this package only names the
// seam the core calls through.
package device

import (
	"context"

	"github.com/ocssd/ftlhost/internal/ftl/ppa"
)

// BlockStatus is the lifecycle status reported to/by the media manager for
// a physical block, distinct from the host-side block.State machine which
// additionally tracks sector-bitmap progress.
type BlockStatus uint8

const (
	BlockStatusOK BlockStatus = iota
	BlockStatusBad
)

// EraseMode selects how aggressively EraseBlock retries/verifies.
type EraseMode uint8

const (
	EraseNormal EraseMode = iota
	EraseRetry
)

// GetBlockFlags modifies GetBlock's block-selection policy.
type GetBlockFlags uint8

const (
	GetBlockNormal GetBlockFlags = iota
	GetBlockGC
)

// Geometry is the device shape reported by the media manager.
type Geometry struct {
	NrChannels uint32
	NrLUNs     uint32
	SecPerPl   uint32
	SecSize    uint32
	PgsPerBlk  uint32
	NrBlkDsecs uint32
	NrSecs     uint64
}

// BlockHandle identifies a physical block leased from the media manager.
// Opaque to the core beyond the fields it needs to place addresses within
// the block.
type BlockHandle struct {
	Lun     uint32
	Chan    uint32
	Plane   uint32
	BlockID uint32
}

// SectorStatus is the per-sector outcome of a submitted IO request.
type SectorStatus uint8

const (
	SectorOK SectorStatus = iota
	SectorFailed
)

// RequestKind distinguishes read and write device requests.
type RequestKind uint8

const (
	RequestWrite RequestKind = iota
	RequestRead
)

// Request is a device-bound IO request assembled by the drainer (writes) or
// the read path (reads). Sentry is the ring position the request's first
// sector occupies, used by the completion pipeline to commit sync in order
// (SPEC_FULL.md §4.5).
type Request struct {
	Kind     RequestKind
	PPAs     []ppa.Global
	Data     [][]byte
	Sentry   uint64
	NrValid  uint32
	OnDone   func(statuses []SectorStatus)
}

// Manager is the media-manager contract the core consumes.
type Manager interface {
	// GetBlock leases a block for lun, or returns an error if none are
	// available.
	GetBlock(ctx context.Context, lun uint32, flags GetBlockFlags) (*BlockHandle, error)

	// PutBlock returns a block to the media manager's free pool (used for
	// blocks retired after GC, not for newly-provisioned blocks).
	PutBlock(ctx context.Context, h *BlockHandle) error

	// EraseBlock erases h, returning an error if the erase fails. Retrying
	// with another block and marking the failed one bad is left to the
	// caller (the provisioner).
	EraseBlock(ctx context.Context, h *BlockHandle, mode EraseMode) error

	// MarkBlock flags the block addressed by g as BAD, returning it to the
	// media manager without expecting further use.
	MarkBlock(ctx context.Context, g ppa.Global, status BlockStatus) error

	// Geometry returns the static device shape.
	Geometry() Geometry

	// SubmitIO submits rq asynchronously. The implementation invokes
	// rq.OnDone exactly once, from any goroutine, when the request
	// completes (possibly out of submission order -- SPEC_FULL.md §4.5
	// depends on this).
	SubmitIO(ctx context.Context, rq *Request) error
}
