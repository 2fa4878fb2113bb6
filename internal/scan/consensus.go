package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nao1215/exitscan/internal/catalog"
)

// CachedConsensusName is the file a fetched consensus is kept in, inside
// the work directory.
const CachedConsensusName = "cached-consensus"

// ConsensusSource fetches the current consensus. *tor.Controller satisfies it.
type ConsensusSource interface {
	Consensus(ctx context.Context) (string, error)
}

// LoadCatalog builds the relay catalog from src. When src.ConsensusPath is
// empty the consensus is fetched from source and cached in workDir; if the
// fetch fails, a previously cached copy is used.
func LoadCatalog(
	ctx context.Context,
	src catalog.Sources,
	source ConsensusSource,
	workDir string,
	logger *slog.Logger,
) (*catalog.Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if src.ConsensusPath == "" {
		path, err := fetchConsensus(ctx, source, workDir)
		if err != nil {
			cached := filepath.Join(workDir, CachedConsensusName)
			if catalog.CheckPath(cached) != nil {
				return nil, err
			}
			logger.Warn("using cached consensus", "path", cached, "error", err)
			path = cached
		}
		src.ConsensusPath = path
	}

	cat, err := catalog.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded relay catalog", "relays", cat.Len(), "consensus", src.ConsensusPath)
	return cat, nil
}

func fetchConsensus(ctx context.Context, source ConsensusSource, workDir string) (string, error) {
	if source == nil {
		return "", fmt.Errorf("%w: no consensus given and no Tor to fetch it from", catalog.ErrConsensusNotFound)
	}

	doc, err := source.Consensus(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch consensus: %w", err)
	}

	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	path := filepath.Join(workDir, CachedConsensusName)
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		return "", fmt.Errorf("failed to cache consensus: %w", err)
	}
	return path, nil
}
