package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/opst/knitflow/pkg/domain"
)

// Digest is a content-addressed stand-in of models.
//
// Its results are sha256 digests of inputs. So, the same job always yields the
// same reference, and merging the same partial states yields the same state.
//
// It is used when no model endpoint is configured.
type Digest struct{}

var (
	_ Runner = Digest{}
	_ Merger = Digest{}
)

func digest(kind string, parts ...string) string {
	h := sha256.New()
	io.WriteString(h, kind)
	for _, p := range parts {
		// length prefix keeps ("ab", "c") and ("a", "bc") apart.
		fmt.Fprintf(h, "\x00%d:%s", len(p), p)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func jobParts(job domain.Job) []string {
	parts := []string{job.Payload.ProjectId, job.Payload.Model.String()}
	parts = append(parts, job.Payload.ImageIds...)

	keys := make([]string, 0, len(job.Payload.Hyperparameters))
	for k := range job.Payload.Hyperparameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+job.Payload.Hyperparameters[k])
	}
	return parts
}

func (Digest) Train(_ context.Context, job domain.Job) (string, error) {
	return digest("train", jobParts(job)...), nil
}

func (Digest) Infer(_ context.Context, job domain.Job) (string, error) {
	return digest("infer", jobParts(job)...), nil
}

// Merge is independent of the order of partials.
func (Digest) Merge(_ context.Context, base domain.ModelState, partials []domain.ModelState) (domain.ModelState, error) {
	if len(partials) == 0 {
		return "", fmt.Errorf("no partial model states to be merged")
	}
	ps := make([]string, 0, len(partials))
	for _, p := range partials {
		if p == "" {
			return "", fmt.Errorf("empty partial model state in [%s]", join(partials))
		}
		ps = append(ps, p.String())
	}
	slices.Sort(ps)
	return domain.ModelState(digest("merge", append([]string{base.String()}, ps...)...)), nil
}

func join(states []domain.ModelState) string {
	s := make([]string, len(states))
	for i := range states {
		s[i] = states[i].String()
	}
	return strings.Join(s, ", ")
}
