// Package publish coordinates the multi-step publish flow. A request moves
// through fixed gates in order; failing any gate rejects the publish with the
// gate named, and nothing committed at a later gate can precede an earlier
// one.
package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"github.com/github/go-spdx/v2/spdxexp"
	"github.com/sirupsen/logrus"

	"github.com/git-pkgs/registry/blob"
	"github.com/git-pkgs/registry/internal/access"
	"github.com/git-pkgs/registry/internal/core"
	"github.com/git-pkgs/registry/internal/ledger"
	"github.com/git-pkgs/registry/internal/semver"
)

// Gate names a step of the publish flow.
type Gate string

const (
	GateAuthorize Gate = "authorize"
	GateValidate  Gate = "validate"
	GateStore     Gate = "store"
	GateCommit    Gate = "commit"
)

// RejectionError reports which gate rejected a publish and why.
type RejectionError struct {
	Gate  Gate
	Cause error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("publish rejected at %s gate: %v", e.Gate, e.Cause)
}

func (e *RejectionError) Unwrap() error { return e.Cause }

// Request is one publish attempt. Dependencies, checksums and the artifact
// come straight from the uploaded manifest; the coordinator validates them.
type Request struct {
	Name         string
	Version      string
	Summary      string
	Description  string
	Repository   string
	License      string
	Keywords     []string
	Dependencies []core.Dependency
	Checksums    []core.Checksum
	Artifact     []byte
}

// Result is the outcome of a successful publish.
type Result struct {
	Version core.Version
	Digest  blob.Digest
}

// Coordinator runs publish requests through the gates.
type Coordinator struct {
	ledger     ledger.Ledger
	store      blob.Store
	access     *access.Controller
	log        *logrus.Logger
	maxElapsed time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithStoreRetryBudget bounds how long the store gate retries transient
// backend failures before rejecting the publish.
func WithStoreRetryBudget(d time.Duration) Option {
	return func(c *Coordinator) { c.maxElapsed = d }
}

// NewCoordinator creates a publish coordinator over a ledger and a store.
func NewCoordinator(l ledger.Ledger, s blob.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:     l,
		store:      s,
		access:     access.NewController(l),
		maxElapsed: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.New()
		c.log.SetOutput(io.Discard)
	}
	return c
}

// Publish runs the full flow: authorize, validate, store, commit. The
// artifact is stored before the ledger commit so a committed version never
// points at a missing blob; a commit failure may leave an orphaned blob,
// which is harmless because storage is content-addressed.
func (c *Coordinator) Publish(ctx context.Context, publisher core.Identity, req Request) (Result, error) {
	name, err := core.NormalizeName(req.Name)
	if err != nil {
		return Result{}, &RejectionError{Gate: GateValidate, Cause: err}
	}

	if err := c.access.Authorize(ctx, publisher, name, core.ActionPublish); err != nil {
		c.log.WithFields(logrus.Fields{
			"package":   name,
			"publisher": publisher.ID,
			"gate":      GateAuthorize,
		}).Warn("publish rejected")
		return Result{}, &RejectionError{Gate: GateAuthorize, Cause: err}
	}

	version, err := c.validate(name, req)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"package": name,
			"version": req.Version,
			"gate":    GateValidate,
		}).WithError(err).Warn("publish rejected")
		return Result{}, &RejectionError{Gate: GateValidate, Cause: err}
	}

	digest, err := c.storeArtifact(ctx, req.Artifact)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"package": name,
			"version": version.String(),
			"gate":    GateStore,
		}).WithError(err).Error("publish rejected")
		return Result{}, &RejectionError{Gate: GateStore, Cause: err}
	}

	committed, err := c.ledger.CommitVersion(ctx, publisher, ledger.Draft{
		Package:      name,
		Version:      version.String(),
		Key:          version.Key(),
		Digest:       digest.String(),
		Summary:      req.Summary,
		Keywords:     req.Keywords,
		Description:  req.Description,
		Repository:   req.Repository,
		License:      req.License,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		return Result{}, &RejectionError{Gate: GateCommit, Cause: err}
	}

	c.log.WithFields(logrus.Fields{
		"package":   name,
		"version":   committed.Version,
		"digest":    digest.String(),
		"publisher": publisher.ID,
	}).Info("version published")

	return Result{Version: committed, Digest: digest}, nil
}

// validate checks everything about the request that does not need the ledger
// or the store: version syntax, dependency declarations, declared checksums
// against the artifact bytes, the license expression.
func (c *Coordinator) validate(name string, req Request) (semver.Version, error) {
	version, err := semver.ParseVersion(req.Version)
	if err != nil {
		return semver.Version{}, err
	}

	if len(req.Artifact) == 0 {
		return semver.Version{}, fmt.Errorf("empty artifact")
	}

	for i, dep := range req.Dependencies {
		depName, err := core.NormalizeName(dep.Package)
		if err != nil {
			return semver.Version{}, fmt.Errorf("dependency %q: %w", dep.Package, err)
		}
		if depName == name {
			return semver.Version{}, fmt.Errorf("package %s depends on itself", name)
		}
		if _, err := semver.ParseConstraint(dep.Spec); err != nil {
			return semver.Version{}, fmt.Errorf("dependency %s: %w", depName, err)
		}
		req.Dependencies[i].Package = depName
	}

	for _, sum := range req.Checksums {
		switch strings.ToLower(sum.Algorithm) {
		case "sha256":
			want, err := hex.DecodeString(sum.Value)
			if err != nil || len(want) != sha256.Size {
				return semver.Version{}, fmt.Errorf("checksum sha256: value is not a sha-256 hex digest")
			}
			got := sha256.Sum256(req.Artifact)
			if !bytes.Equal(got[:], want) {
				return semver.Version{}, fmt.Errorf("checksum sha256 mismatch: artifact is %s", hex.EncodeToString(got[:]))
			}
		default:
			return semver.Version{}, fmt.Errorf("unsupported checksum algorithm: %s", sum.Algorithm)
		}
	}

	if req.License != "" {
		valid, invalid := spdxexp.ValidateLicenses([]string{req.License})
		if !valid {
			return semver.Version{}, fmt.Errorf("invalid license expression: %s", strings.Join(invalid, ", "))
		}
	}

	return version, nil
}

// storeArtifact writes the blob, retrying transient store failures with an
// exponential backoff bounded by the retry budget. Non-transient errors stop
// the retry loop immediately.
func (c *Coordinator) storeArtifact(ctx context.Context, artifact []byte) (blob.Digest, error) {
	var digest blob.Digest

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = c.maxElapsed

	op := func() error {
		d, err := c.store.Put(ctx, artifact)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		digest = d
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	return digest, nil
}

func isTransient(err error) bool {
	return errors.Is(err, blob.ErrUnavailable)
}
