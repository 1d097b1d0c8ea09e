// Package builder implements the Image Builder (§4.C): it extracts an
// uploaded exercise bundle, validates the required members and metadata,
// hands a tar stream to the Runtime Client, and records the result in the
// Catalog. Scoped resource acquisition (§9) guarantees the working
// directory and upload file are removed on every exit path.
package builder

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	dockerarchive "github.com/docker/docker/pkg/archive"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/training/sandbox-orchestrator/internal/domain"
	"github.com/training/sandbox-orchestrator/internal/logging"
	"github.com/training/sandbox-orchestrator/internal/ports"
)

// Goal is one optional learning-objective entry from metadata.json.
type Goal struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Hint        string `json:"hint"`
}

type bundleMetadata struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Level       string `json:"level"`
	Goals       []Goal `json:"goals"`
	raw         map[string]any
}

// Builder implements the Image Builder.
type Builder struct {
	runtime ports.RuntimeClient
	catalog ports.CatalogStore
	journal ports.EventJournal
	log     zerolog.Logger
}

// New creates a Builder.
func New(runtime ports.RuntimeClient, catalog ports.CatalogStore, journal ports.EventJournal) *Builder {
	return &Builder{runtime: runtime, catalog: catalog, journal: journal, log: logging.WithComponent("builder")}
}

// Result is returned on a successful build.
type Result struct {
	Exercise *domain.Exercise
}

// BuildFromArchive runs the full algorithm in §4.C against an uploaded
// archive (.zip, .tar, .tar.gz/.tgz) read from src, whose on-disk path is
// uploadPath (removed on every exit path, successful or not).
func (b *Builder) BuildFromArchive(ctx context.Context, src io.Reader, archiveName, uploadPath, subjectID string) (*Result, error) {
	defer os.Remove(uploadPath)

	workDir, err := os.MkdirTemp("", "orchestrator-build-*")
	if err != nil {
		return nil, fmt.Errorf("builder: create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := extract(src, archiveName, workDir); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidBundle, err)
	}

	dockerfilePath := filepath.Join(workDir, "Dockerfile")
	if _, err := os.Stat(dockerfilePath); err != nil {
		return nil, fmt.Errorf("%w: archive root must contain Dockerfile", domain.ErrInvalidBundle)
	}

	metaPath := filepath.Join(workDir, "metadata.json")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: archive root must contain metadata.json", domain.ErrInvalidBundle)
	}

	meta, err := parseMetadata(metaBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidBundle, err)
	}

	tag := imageTag(meta.Title, meta.Version)

	tarStream, err := tarGzDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidBundle, err)
	}
	defer tarStream.Close()

	progress, err := b.runtime.BuildImage(ctx, tarStream, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrBuildFailed, err)
	}
	for p := range progress {
		if p.Error != "" {
			return nil, fmt.Errorf("%w: %s", domain.ErrBuildFailed, p.Error)
		}
		if p.Stream != "" {
			b.log.Debug().Str("tag", tag).Str("line", strings.TrimSpace(p.Stream)).Msg("build output")
		}
	}

	now := time.Now()
	ex := &domain.Exercise{
		ID:          uuid.NewString(),
		Name:        meta.Title,
		Version:     meta.Version,
		Description: meta.Description,
		Level:       domain.Level(strings.ToLower(meta.Level)),
		ImageTag:    tag,
		Metadata:    meta.raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.catalog.Insert(ctx, ex); err != nil {
		return nil, fmt.Errorf("%w: record exercise: %s", domain.ErrInternal, err)
	}

	_ = b.journal.Append(ctx, domain.Event{
		Kind:      domain.EventImageBuilt,
		SubjectID: subjectID,
		TargetID:  ex.ID,
		Attributes: map[string]any{
			"image_tag": tag,
		},
		Timestamp: now,
	})

	return &Result{Exercise: ex}, nil
}

func parseMetadata(data []byte) (*bundleMetadata, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("metadata.json is not valid JSON: %w", err)
	}

	title, _ := raw["title"].(string)
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("metadata.json: title is required")
	}
	description, _ := raw["description"].(string)
	if description == "" {
		return nil, fmt.Errorf("metadata.json: description is required")
	}
	levelRaw, _ := raw["level"].(string)
	level, ok := domain.ValidLevel(levelRaw)
	if !ok {
		return nil, fmt.Errorf("metadata.json: level must be one of beginner/intermediate/advanced, got %q", levelRaw)
	}
	version, _ := raw["version"].(string)
	if version == "" {
		version = "latest"
	}

	meta := &bundleMetadata{
		Title:       title,
		Version:     version,
		Description: description,
		Level:       string(level),
		raw:         raw,
	}

	if goalsRaw, ok := raw["goals"].([]any); ok {
		for _, g := range goalsRaw {
			gm, ok := g.(map[string]any)
			if !ok {
				continue
			}
			id, _ := gm["id"].(string)
			desc, _ := gm["description"].(string)
			hint, _ := gm["hint"].(string)
			meta.Goals = append(meta.Goals, Goal{ID: id, Description: desc, Hint: hint})
		}
	}

	return meta, nil
}

// imageTag derives training/<slug(title)>:<version> (§4.C step 4).
func imageTag(title, version string) string {
	return fmt.Sprintf("training/%s:%s", slugify(title), version)
}

func slugify(title string) string {
	lower := strings.ToLower(title)
	var b strings.Builder
	inRun := false
	for _, r := range lower {
		if isAlnum(r) {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun && b.Len() > 0 {
			b.WriteByte('-')
			inRun = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// extract unpacks src (whose logical name is archiveName, used only to pick
// a format) into destDir. Entry paths are resolved with securejoin so a
// crafted archive cannot escape destDir (zip-slip).
func extract(src io.Reader, archiveName, destDir string) error {
	lower := strings.ToLower(archiveName)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(src, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("not a valid gzip stream: %w", err)
		}
		defer gz.Close()
		return extractTar(gz, destDir)
	case strings.HasSuffix(lower, ".tar"):
		return extractTar(src, destDir)
	default:
		return fmt.Errorf("unsupported archive format %q (want .zip, .tar, .tar.gz, .tgz)", archiveName)
	}
}

func extractZip(src io.Reader, destDir string) error {
	// zip.Reader requires io.ReaderAt; buffer to a temp file rather than
	// the whole archive in memory.
	tmp, err := os.CreateTemp("", "orchestrator-upload-*.zip")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, src); err != nil {
		return fmt.Errorf("buffer zip upload: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return err
	}

	zr, err := zip.NewReader(tmp, info.Size())
	if err != nil {
		return fmt.Errorf("not a valid zip archive: %w", err)
	}

	for _, f := range zr.File {
		dest, err := securejoin.SecureJoin(destDir, f.Name)
		if err != nil {
			return fmt.Errorf("unsafe entry path %q: %w", f.Name, err)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm()|0600)
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

func extractTar(src io.Reader, destDir string) error {
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("not a valid tar archive: %w", err)
		}

		dest, err := securejoin.SecureJoin(destDir, hdr.Name)
		if err != nil {
			return fmt.Errorf("unsafe entry path %q: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)|0600)
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(out, tr)
			out.Close()
			if copyErr != nil {
				return copyErr
			}
		}
	}
}

// tarGzDir produces a gzipped tar of dir's contents for the Runtime Client
// (§4.A build_image's "gzipped tar" input), using the Docker SDK's
// pkg/archive build-context tar helper.
func tarGzDir(dir string) (io.ReadCloser, error) {
	rawTar, err := dockerarchive.TarWithOptions(dir, &dockerarchive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("create tar build context: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		_, copyErr := io.Copy(gz, rawTar)
		closeErr := gz.Close()
		rawTar.Close()
		if copyErr != nil {
			pw.CloseWithError(copyErr)
			return
		}
		pw.CloseWithError(closeErr)
	}()
	return pr, nil
}
