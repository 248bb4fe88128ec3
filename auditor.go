package ktaudit

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Auditor provides third-party auditing for the key transparency service by
// fetching and processing batches of updates and periodically sending back
// signed tree heads. If an update's proof is inconsistent with the auditor's
// prefix tree root hash, the auditor stops sending signed tree heads until an
// operator intervenes.
type Auditor struct {
	cfg    Config
	repo   StateRepository
	client Client

	// treeUpdateMu serializes startup state loading and scheduled ticks.
	// The scheduled tick is the only mutator, so the lock guards against
	// re-entry, not concurrent threads.
	treeUpdateMu sync.Mutex

	prefixTree            *CondensedPrefixTree
	logTree               *CondensedLogTree
	totalUpdatesProcessed uint64

	lastTreeHeadSentAt           time.Time
	updatesSinceLastTreeHeadSent uint64

	ready  atomic.Bool
	halted atomic.Bool

	now func() time.Time
}

// NewAuditor creates an auditor from its configuration, state repository and
// service client. The configured key pair is validated up front.
func NewAuditor(cfg Config, repo StateRepository, client Client) (*Auditor, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid auditor private key size: expected %d, got %d", ed25519.PrivateKeySize, len(cfg.PrivateKey))
	}
	for _, key := range []ed25519.PublicKey{cfg.PublicKey, cfg.KTSigningPublicKey, cfg.KTVRFPublicKey} {
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(key))
		}
	}
	if !cfg.PrivateKey.Public().(ed25519.PublicKey).Equal(cfg.PublicKey) {
		return nil, errors.New("auditor public key does not match private key")
	}

	a := &Auditor{
		cfg:    cfg,
		repo:   repo,
		client: client,
		now:    time.Now,
	}
	a.lastTreeHeadSentAt = a.now()
	return a, nil
}

// IsHealthy reports whether the auditor can keep attesting. It turns false
// permanently once an invalid proof has been encountered.
func (a *Auditor) IsHealthy() bool {
	return !a.halted.Load()
}

// IsReady reports whether both trees have been initialized from stored
// state.
func (a *Auditor) IsReady() bool {
	return a.ready.Load()
}

// LoadStoredState initializes the trees from the state repository. If a
// blob is present, its self-signature is verified with the auditor's public
// key before decoding; a mismatch fails startup with
// ErrInvalidAuditorSignature.
func (a *Auditor) LoadStoredState() error {
	a.treeUpdateMu.Lock()
	defer a.treeUpdateMu.Unlock()

	blob, found, err := a.repo.Get()
	if err != nil {
		return fmt.Errorf("fetch auditor state: %w", err)
	}

	if !found {
		a.prefixTree = NewCondensedPrefixTree()
		a.logTree = NewCondensedLogTree()
		a.totalUpdatesProcessed = 0
		a.ready.Store(true)
		return nil
	}

	serializedState, signature, err := unmarshalStateAndSignature(blob)
	if err != nil {
		return fmt.Errorf("unmarshal stored state: %w", err)
	}
	if !ed25519.Verify(a.cfg.PublicKey, serializedState, signature) {
		glog.Error("stored auditor state has an invalid signature")
		return ErrInvalidAuditorSignature
	}

	state, err := UnmarshalAuditorState(serializedState)
	if err != nil {
		return fmt.Errorf("unmarshal auditor state: %w", err)
	}

	logTree, err := RestoreCondensedLogTree(state.LogTreeNodes, state.TotalUpdatesProcessed)
	if err != nil {
		return fmt.Errorf("restore log tree: %w", err)
	}

	a.logTree = logTree
	a.prefixTree = RestoreCondensedPrefixTree(state.PrefixTreeRootHash)
	a.totalUpdatesProcessed = state.TotalUpdatesProcessed
	a.ready.Store(true)
	return nil
}

// Run drives the audit loop on the configured tick interval until the
// context is cancelled or an invalid proof halts the auditor. Transport and
// persistence errors are logged and retried on the next tick.
func (a *Auditor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil {
				var proofErr *InvalidProofError
				if errors.As(err, &proofErr) {
					glog.Errorf("encountered invalid proof, halting: %v", err)
					return err
				}
				glog.Errorf("audit tick failed: %v", err)
			}
		}
	}
}

// Tick fetches and processes all pending updates from the key transparency
// service. For each update, in order, it verifies and applies the update to
// the prefix tree, appends the corresponding log tree leaf, and signs and
// persists a tree head whenever a signing threshold has been crossed. A
// final signing check after the stream ends covers the case where the
// signature interval elapses without new updates.
func (a *Auditor) Tick(ctx context.Context) error {
	if !a.treeUpdateMu.TryLock() {
		// This should only happen at startup, if LoadStoredState hasn't
		// completed before the first scheduled tick.
		glog.Warning("tree update lock unavailable; skipping tick")
		return nil
	}
	defer a.treeUpdateMu.Unlock()

	for {
		updates, more, err := a.client.Audit(ctx, a.totalUpdatesProcessed, a.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch updates: %w", err)
		}

		for _, update := range updates {
			if err := a.prefixTree.ApplyUpdate(update, a.totalUpdatesProcessed); err != nil {
				a.halted.Store(true)
				return fmt.Errorf("apply update %d: %w", a.totalUpdatesProcessed, err)
			}

			prefixRoot, ok := a.prefixTree.RootHash()
			if !ok {
				panic("prefix tree has no root hash after applying an update")
			}
			a.logTree.AddLeaf(update.Commitment, prefixRoot, a.totalUpdatesProcessed)

			a.totalUpdatesProcessed++
			a.updatesSinceLastTreeHeadSent++

			if err := a.setTreeHeadAndStoreStateIfNecessary(ctx); err != nil {
				return err
			}
		}

		if !more || len(updates) == 0 {
			break
		}
	}

	return a.setTreeHeadAndStoreStateIfNecessary(ctx)
}

// setTreeHeadAndStoreStateIfNecessary signs and transmits a tree head once
// either signing threshold has been crossed, then persists the auditor
// state. State is persisted only if the remote call succeeds; this prevents
// storing corrupted state and lets corruption be resolved by restarting the
// auditor.
func (a *Auditor) setTreeHeadAndStoreStateIfNecessary(ctx context.Context) error {
	if a.now().Before(a.lastTreeHeadSentAt.Add(a.cfg.SignatureInterval)) &&
		a.updatesSinceLastTreeHeadSent < a.cfg.SignaturePageSize {
		return nil
	}
	if a.totalUpdatesProcessed == 0 {
		// Nothing attestable yet; an empty log tree has no root hash.
		return nil
	}

	timestampMs := a.now().UnixMilli()
	logRoot, err := a.logTree.RootHash()
	if err != nil {
		return err
	}

	head := TreeHead{
		TreeSize:    a.totalUpdatesProcessed,
		TimestampMs: timestampMs,
		Signature: signTreeHead(a.cfg.KTSigningPublicKey, a.cfg.KTVRFPublicKey, a.cfg.PublicKey,
			a.totalUpdatesProcessed, timestampMs, logRoot, a.cfg.PrivateKey),
	}
	if err := a.client.SetAuditorHead(ctx, head); err != nil {
		return err
	}

	prefixRoot, ok := a.prefixTree.RootHash()
	if !ok {
		panic("prefix tree has no root hash at signing time")
	}
	serializedState := AuditorState{
		TotalUpdatesProcessed: a.totalUpdatesProcessed,
		PrefixTreeRootHash:    prefixRoot,
		LogTreeNodes:          a.logTree.Nodes(),
	}.Marshal()
	stateSignature := ed25519.Sign(a.cfg.PrivateKey, serializedState)

	if err := a.repo.Put(marshalStateAndSignature(serializedState, stateSignature)); err != nil {
		return fmt.Errorf("store auditor state: %w", err)
	}

	glog.Infof("sent signed tree head at size %d", a.totalUpdatesProcessed)
	a.lastTreeHeadSentAt = time.UnixMilli(timestampMs)
	a.updatesSinceLastTreeHeadSent = 0
	return nil
}
