// Package validator implements component C4: decoding raw upstream frames,
// parsing the embedded CAR block set, and cryptographically verifying each
// commit's signature against the repo owner's currently resolved signing
// key before the frame is appended to the durable log.
package validator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/identity"
	atrepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/syntax"
	indigoevents "github.com/bluesky-social/indigo/events"
	"github.com/mr-tron/base58"

	"github.com/primal-host/relay/internal/crawler"
	"github.com/primal-host/relay/internal/metrics"
)

// did:key multicodec prefixes for the two curves AT Proto signs commits
// with, ported from rsky-relay's validator/utils.rs P256_DID_PREFIX /
// K256_DID_PREFIX match arm.
var (
	didKeyPrefixP256      = []byte{0x80, 0x24}
	didKeyPrefixSecp256k1 = []byte{0xe7, 0x01}
)

const defaultMaxRevFuture = time.Hour

// Resolver is the subset of identity.Resolver the validator depends on.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*identity.Identity, error)
	Evict(did string)
}

// Accepted is an accepted event ready for the durable log, carrying the
// frame bytes exactly as the upstream host sent them.
type Accepted struct {
	Hostname string
	DID      string
	Seq      int64 // upstream-reported seq, recorded as the host's resume cursor; the log assigns its own
	Frame    []byte
	Warning  bool
}

// Validator is the single logical validation stage (component C4). It may
// be run from more than one goroutine, but commits for the same DID are
// always serialized against each other via a per-DID lock so that
// concurrent delivery from different upstream hosts can't race on
// prevData bookkeeping.
type Validator struct {
	identity Resolver

	maxRevFuture time.Duration

	lklk      sync.Mutex
	userLocks map[string]*userLock

	prevRev map[string]string // did -> last accepted rev, best-effort in-memory; guarded by lklk

	log *slog.Logger
}

type userLock struct {
	lk      sync.Mutex
	waiters atomic.Int32
}

// New builds a Validator over the given identity resolver.
func New(resolver Resolver) *Validator {
	return &Validator{
		identity:     resolver,
		maxRevFuture: defaultMaxRevFuture,
		userLocks:    make(map[string]*userLock),
		prevRev:      make(map[string]string),
		log:          slog.Default().With("system", "validator"),
	}
}

func (v *Validator) lockDID(did string) func() {
	v.lklk.Lock()
	ulk, ok := v.userLocks[did]
	if !ok {
		ulk = &userLock{}
		v.userLocks[did] = ulk
	}
	ulk.waiters.Add(1)
	v.lklk.Unlock()

	ulk.lk.Lock()
	return func() {
		v.lklk.Lock()
		defer v.lklk.Unlock()
		ulk.lk.Unlock()
		if ulk.waiters.Add(-1) == 0 {
			delete(v.userLocks, did)
		}
	}
}

// Validate implements the seven-step validation procedure over a single
// raw upstream frame. Frame kinds that carry no signature to verify
// (#identity, #account, #handle, #tombstone, #info, #sync) are accepted
// without further checks: the returned Accepted holds the original frame
// bytes unmodified and no DID or Seq, matching the design
// decision to append both modern and legacy identity-adjacent event kinds
// without deduplication.
func (v *Validator) Validate(ctx context.Context, f crawler.Frame) (*Accepted, error) {
	r := bytes.NewReader(f.Data)
	var header indigoevents.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "header").Inc()
		return nil, fmt.Errorf("validator: decode header: %w", err)
	}

	switch header.MsgType {
	case "#commit":
		return v.validateCommit(ctx, f, r)
	case "#identity", "#account", "#handle", "#tombstone", "#info", "#sync":
		return &Accepted{Hostname: f.Hostname, Frame: f.Data}, nil
	default:
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "kind").Inc()
		return nil, fmt.Errorf("validator: unknown frame kind %q", header.MsgType)
	}
}

func (v *Validator) validateCommit(ctx context.Context, f crawler.Frame, r *bytes.Reader) (*Accepted, error) {
	metrics.CommitVerifyStarts.Inc()

	var commit comatproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(r); err != nil {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "payload").Inc()
		return nil, fmt.Errorf("validator: decode commit: %w", err)
	}

	unlock := v.lockDID(commit.Repo)
	defer unlock()

	hasWarning := false

	did, err := syntax.ParseDID(commit.Repo)
	if err != nil {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "did").Inc()
		return nil, fmt.Errorf("validator: bad repo did: %w", err)
	}
	rev, err := syntax.ParseTID(commit.Rev)
	if err != nil {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "tid").Inc()
		return nil, fmt.Errorf("validator: bad rev: %w", err)
	}
	v.lklk.Lock()
	prev, ok := v.prevRev[commit.Repo]
	v.lklk.Unlock()
	if ok {
		if prevRev, err := syntax.ParseTID(prev); err == nil && rev.Time().Before(prevRev.Time()) {
			metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "revb").Inc()
			return nil, fmt.Errorf("validator: rev older than previously accepted rev for %s", commit.Repo)
		}
	}
	if rev.Time().After(time.Now().Add(v.maxRevFuture)) {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "revf").Inc()
		return nil, fmt.Errorf("validator: rev too far in the future")
	}
	if _, err := syntax.ParseDatetime(commit.Time); err != nil {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "time").Inc()
		return nil, fmt.Errorf("validator: bad time: %w", err)
	}

	if commit.TooBig {
		metrics.CommitVerifyWarnings.WithLabelValues(f.Hostname, "big").Inc()
		hasWarning = true
	}
	if commit.Rebase {
		metrics.CommitVerifyWarnings.WithLabelValues(f.Hostname, "rebase").Inc()
		hasWarning = true
	}

	// Defensive block-framing pass (independent of indigo's own CAR
	// parser) before any semantic parsing is attempted.
	if _, err := scanBlocks(commit.Blocks); err != nil {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "car").Inc()
		return nil, err
	}

	parsedCommit, _, err := atrepo.LoadRepoFromCAR(ctx, bytes.NewReader(commit.Blocks))
	if err != nil {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "car2").Inc()
		return nil, fmt.Errorf("validator: load repo from car: %w", err)
	}
	if parsedCommit.Rev != rev.String() {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "rev").Inc()
		return nil, fmt.Errorf("validator: rev did not match commit")
	}
	if parsedCommit.DID != did.String() {
		metrics.CommitVerifyErrors.WithLabelValues(f.Hostname, "did2").Inc()
		return nil, fmt.Errorf("validator: did did not match commit")
	}

	if err := v.verifySignature(ctx, parsedCommit, commit.Repo, f.Hostname, &hasWarning); err != nil {
		return nil, err
	}

	v.lklk.Lock()
	v.prevRev[commit.Repo] = commit.Rev
	v.lklk.Unlock()

	if hasWarning {
		metrics.CommitVerifyWarnings.WithLabelValues(f.Hostname, "accepted").Inc()
	} else {
		metrics.CommitVerifyOk.WithLabelValues(f.Hostname).Inc()
	}

	return &Accepted{
		Hostname: f.Hostname,
		DID:      commit.Repo,
		Seq:      commit.Seq,
		Frame:    f.Data,
		Warning:  hasWarning,
	}, nil
}

// verifySignature resolves the repo's signing key and verifies the
// commit's signature, evicting the cached identity and retrying exactly
// once if the first attempt fails — the signing key may have rotated
// since the cache entry was populated.
func (v *Validator) verifySignature(ctx context.Context, commit *atrepo.Commit, did, hostname string, hasWarning *bool) error {
	verify := func(forceEvict bool) error {
		if forceEvict {
			v.identity.Evict(did)
		}
		ident, err := v.identity.Resolve(ctx, did)
		if err != nil {
			metrics.CommitVerifyErrors.WithLabelValues(hostname, "idlookup").Inc()
			return fmt.Errorf("validator: identity lookup: %w", err)
		}
		pk, err := ident.PublicKey()
		if err != nil {
			metrics.CommitVerifyErrors.WithLabelValues(hostname, "pubkey").Inc()
			return fmt.Errorf("validator: no atproto pubkey: %w", err)
		}
		if err := checkDidKeyMulticodec(pk.DIDKey()); err != nil {
			metrics.CommitVerifyErrors.WithLabelValues(hostname, "didkey").Inc()
			return err
		}
		return commit.VerifySignature(pk)
	}

	if err := verify(false); err != nil {
		if err2 := verify(true); err2 != nil {
			metrics.CommitVerifyErrors.WithLabelValues(hostname, "sig").Inc()
			return fmt.Errorf("validator: invalid signature: %w", err2)
		}
		*hasWarning = true
	}
	return nil
}

// checkDidKeyMulticodec decodes the raw multicodec prefix out of a
// did:key string and rejects anything that isn't one of the two curves
// AT Proto signs commits with, instead of silently trusting whatever
// curve the identity resolver's own key parsing happened to accept.
func checkDidKeyMulticodec(didKey string) error {
	const prefix = "did:key:z"
	if !strings.HasPrefix(didKey, prefix) {
		return fmt.Errorf("validator: unsupported did:key encoding %q", didKey)
	}
	raw, err := base58.Decode(didKey[len(prefix):])
	if err != nil {
		return fmt.Errorf("validator: decode did:key: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("validator: did:key too short")
	}
	switch {
	case bytes.Equal(raw[:2], didKeyPrefixP256):
	case bytes.Equal(raw[:2], didKeyPrefixSecp256k1):
	default:
		return fmt.Errorf("validator: unsupported did:key multicodec prefix % x", raw[:2])
	}
	return nil
}
