package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

// PackageIndex is the slice of the conda-package repository the
// orchestrator indexes lockfile contents through.
type PackageIndex interface {
	UpsertChannel(ctx context.Context, name string) (*models.CondaChannel, error)
	UpsertPackage(ctx context.Context, pkg *models.CondaPackage) (*models.CondaPackage, error)
	UpsertPackageBuild(ctx context.Context, b *models.CondaPackageBuild) (*models.CondaPackageBuild, error)
	AttachBuild(ctx context.Context, buildID, packageBuildID int64) error
	AttachSolve(ctx context.Context, solveID, packageBuildID int64) error
}

// lockfileDocument is the subset of a conda-lock document the
// orchestrator reads back: the pinned package list with provenance.
type lockfileDocument struct {
	Version int               `json:"version"`
	Package []lockfilePackage `json:"package"`
}

type lockfilePackage struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Manager  string `json:"manager"`
	Platform string `json:"platform"`
	URL      string `json:"url"`
	Hash     struct {
		MD5    string `json:"md5"`
		SHA256 string `json:"sha256"`
	} `json:"hash"`
}

func parseLockfile(doc map[string]any) (*lockfileDocument, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize lockfile: %w", err)
	}
	var out lockfileDocument
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile: %w", err)
	}
	return &out, nil
}

// channelAndSubdir splits a conda package URL into its channel base
// URL and subdir: .../<channel>/<subdir>/<filename>.
func channelAndSubdir(rawURL string) (channel, subdir string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	dir := path.Dir(u.Path)
	subdir = path.Base(dir)
	channelPath := path.Dir(dir)
	if subdir == "/" || subdir == "." || channelPath == "/" || channelPath == "." {
		return "", "", false
	}
	return u.Scheme + "://" + u.Host + channelPath, subdir, true
}

// buildString recovers the conda build string from a package filename
// shaped <name>-<version>-<build>.<ext>.
func buildString(rawURL, name, version string) string {
	base := path.Base(rawURL)
	for _, ext := range []string{".conda", ".tar.bz2"} {
		base = strings.TrimSuffix(base, ext)
	}
	prefix := name + "-" + version + "-"
	if strings.HasPrefix(base, prefix) {
		return strings.TrimPrefix(base, prefix)
	}
	return base
}

// indexLockfilePackages upserts channel/package/package-build rows for
// every conda package pinned in the lockfile and attaches them via
// attach (to a build or a solve). Pip-managed entries are skipped: the
// conda package index tracks conda provenance only.
func (o *Orchestrator) indexLockfilePackages(ctx context.Context, doc map[string]any, attach func(packageBuildID int64) error) (int, error) {
	lock, err := parseLockfile(doc)
	if err != nil {
		return 0, err
	}

	indexed := 0
	for _, pkg := range lock.Package {
		if pkg.Manager != "conda" {
			continue
		}
		channelURL, subdir, ok := channelAndSubdir(pkg.URL)
		if !ok {
			o.logger.Warn("skipping lockfile package with unparseable url",
				zap.String("package", pkg.Name),
				zap.String("url", pkg.URL))
			continue
		}

		channel, err := o.packages.UpsertChannel(ctx, channelURL)
		if err != nil {
			return indexed, err
		}
		row, err := o.packages.UpsertPackage(ctx, &models.CondaPackage{
			ChannelID: channel.ID,
			Name:      pkg.Name,
			Version:   pkg.Version,
		})
		if err != nil {
			return indexed, err
		}
		pb, err := o.packages.UpsertPackageBuild(ctx, &models.CondaPackageBuild{
			PackageID: row.ID,
			Build:     buildString(pkg.URL, pkg.Name, pkg.Version),
			Subdir:    subdir,
			SHA256:    pkg.Hash.SHA256,
			MD5:       pkg.Hash.MD5,
		})
		if err != nil {
			return indexed, err
		}
		if err := attach(pb.ID); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}
