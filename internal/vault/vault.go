// Package vault implements the Vault Writer / Trace Writer (C11): it
// persists artifact deliverables and the run trace under the deterministic
// path layout required by §6, and additionally pushes each artifact as a
// single-layer OCI image to a local content-addressed layout directory.
//
// Grounded on the teacher's internal/skills/registry.go RegistryClient
// (pack a config + content blob, PackManifest, tag, Copy to a store) —
// retargeted from a remote registry push to a local OCI-layout directory,
// since the vault has nowhere remote to push to.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/oci"
)

const (
	mediaTypeArtifactConfig = "application/vnd.runctl.artifact.config.v1+json"
	mediaTypeArtifactLayer  = "application/vnd.runctl.artifact.layer.v1"
	artifactType            = "application/vnd.runctl.artifact.v1"
)

// Status is the completeness marker written into an artifact's frontmatter.
type Status string

const (
	StatusFinal   Status = "final"
	StatusDraft   Status = "draft"
	StatusPartial Status = "partial"
)

// Artifact describes one deliverable to persist.
type Artifact struct {
	RunID       string
	ArtifactID  string
	Agent       string
	Source      string
	Type        string
	Slug        string
	Status      Status
	PreviewType string
	Body        []byte
}

// Manifest is what Write returns: everything the Ledger needs to record an
// ArtifactRef plus the checksum required by §3's Artifact manifest entity.
type Manifest struct {
	ArtifactID      string
	DestinationPath string
	Checksum        string
	SizeBytes       int64
	CreatedAt       time.Time
	PreviewType     string
	OCIDigest       string
}

// Vault persists artifacts and traces under <BaseDir>/<YYYY>/<MM>/... and,
// additionally, pushes each artifact as an OCI image under
// <OCIBaseDir>/<run_id>.
type Vault struct {
	BaseDir       string
	TraceBaseDir  string
	OCIBaseDir    string
	now           func() time.Time
}

// New constructs a Vault rooted at baseDir (artifacts), traceBaseDir
// (traces), and ociBaseDir (OCI layout directories, one per run).
func New(baseDir, traceBaseDir, ociBaseDir string) *Vault {
	return &Vault{BaseDir: baseDir, TraceBaseDir: traceBaseDir, OCIBaseDir: ociBaseDir, now: func() time.Time { return time.Now().UTC() }}
}

var frontmatterTmpl = template.Must(template.New("frontmatter").Parse(
	`---
run_id: {{.RunID}}
agent: {{.Agent}}
source: {{.Source}}
created_at: {{.CreatedAt}}
status: {{.Status}}
type: {{.Type}}
---

`))

// Write persists one artifact to its deterministic path and, in addition,
// pushes it as a single-layer OCI image tagged with its checksum.
func (v *Vault) Write(ctx context.Context, a Artifact) (Manifest, error) {
	now := v.now()
	rel := filepath.Join(now.Format("2006"), now.Format("01"), fmt.Sprintf("%s_%s.md", a.RunID, a.Slug))
	dest := filepath.Join(v.BaseDir, rel)

	checksum := fmt.Sprintf("%x", sha256.Sum256(a.Body))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Manifest{}, fmt.Errorf("vault: create artifact dir: %w", err)
	}
	var buf strings.Builder
	if err := frontmatterTmpl.Execute(&buf, struct {
		RunID, Agent, Source, CreatedAt, Status, Type string
	}{a.RunID, a.Agent, a.Source, now.Format(time.RFC3339), string(a.Status), a.Type}); err != nil {
		return Manifest{}, fmt.Errorf("vault: render frontmatter: %w", err)
	}
	buf.Write(a.Body)
	if err := os.WriteFile(dest, []byte(buf.String()), 0o644); err != nil {
		return Manifest{}, fmt.Errorf("vault: write artifact: %w", err)
	}

	ociDigest, err := v.pushOCI(ctx, a, checksum)
	if err != nil {
		return Manifest{}, fmt.Errorf("vault: push oci image: %w", err)
	}

	return Manifest{
		ArtifactID:      a.ArtifactID,
		DestinationPath: dest,
		Checksum:        checksum,
		SizeBytes:       int64(buf.Len()),
		CreatedAt:       now,
		PreviewType:     a.PreviewType,
		OCIDigest:       ociDigest,
	}, nil
}

// pushOCI packs a's body as a single content layer with a JSON config blob
// holding its metadata, and pushes it into a per-run OCI layout directory
// tagged with checksum — the same pack/tag/copy shape as the teacher's
// RegistryClient.Push, minus the remote repository hop.
func (v *Vault) pushOCI(ctx context.Context, a Artifact, checksum string) (string, error) {
	if v.OCIBaseDir == "" {
		return "", nil
	}
	dir := filepath.Join(v.OCIBaseDir, a.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create oci layout dir: %w", err)
	}
	store, err := oci.New(dir)
	if err != nil {
		return "", fmt.Errorf("open oci store: %w", err)
	}

	configBytes := []byte(fmt.Sprintf(`{"artifact_id":%q,"run_id":%q,"type":%q,"checksum":%q}`,
		a.ArtifactID, a.RunID, a.Type, checksum))
	configDesc, err := oras.PushBytes(ctx, store, mediaTypeArtifactConfig, configBytes)
	if err != nil {
		return "", fmt.Errorf("push config: %w", err)
	}
	layerDesc, err := oras.PushBytes(ctx, store, mediaTypeArtifactLayer, a.Body)
	if err != nil {
		return "", fmt.Errorf("push layer: %w", err)
	}

	packOpts := oras.PackManifestOptions{
		ConfigDescriptor: &configDesc,
		Layers:           []ocispec.Descriptor{layerDesc},
	}
	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, artifactType, packOpts)
	if err != nil {
		return "", fmt.Errorf("pack manifest: %w", err)
	}
	if err := store.Tag(ctx, manifestDesc, checksum); err != nil {
		return "", fmt.Errorf("tag manifest: %w", err)
	}
	return manifestDesc.Digest.String(), nil
}

// EventRecord is the minimal shape the Trace Writer serializes per line of
// the companion .jsonl trace.
type EventRecord struct {
	Seq     int64
	Type    string
	Phase   string
	Sev     string
	TS      time.Time
	Payload map[string]any
}

// WriteTrace persists the human-readable trace markdown plus the companion
// structured .jsonl, under <TraceBaseDir>/<YYYY>/<MM>/<run_id>.{md,jsonl}.
func (v *Vault) WriteTrace(runID, summaryMarkdown string, events []EventRecord) (mdPath, jsonlPath string, err error) {
	now := v.now()
	dir := filepath.Join(v.TraceBaseDir, now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("vault: create trace dir: %w", err)
	}
	mdPath = filepath.Join(dir, runID+".md")
	if err := os.WriteFile(mdPath, []byte(summaryMarkdown), 0o644); err != nil {
		return "", "", fmt.Errorf("vault: write trace markdown: %w", err)
	}

	jsonlPath = filepath.Join(dir, runID+".jsonl")
	var buf strings.Builder
	for _, e := range events {
		buf.WriteString(encodeEventLine(e))
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(jsonlPath, []byte(buf.String()), 0o644); err != nil {
		return "", "", fmt.Errorf("vault: write trace jsonl: %w", err)
	}
	return mdPath, jsonlPath, nil
}

func encodeEventLine(e EventRecord) string {
	var payload strings.Builder
	first := true
	for k, val := range e.Payload {
		if !first {
			payload.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&payload, "%q:%q", k, fmt.Sprint(val))
	}
	return fmt.Sprintf(`{"seq":%d,"type":%q,"phase":%q,"severity":%q,"ts":%q,"payload":{%s}}`,
		e.Seq, e.Type, e.Phase, e.Sev, e.TS.Format(time.RFC3339Nano), payload.String())
}

// DecodeChecksum is a convenience used by tests and callers that need the
// raw bytes of a manifest checksum (e.g. to compare to an OCI digest's hex
// suffix).
func DecodeChecksum(checksum string) ([]byte, error) {
	return hex.DecodeString(checksum)
}
