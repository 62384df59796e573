package vectorutils

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/vector"
	"github.com/inkfold/retell/pkg/vector/qdrant"
	"github.com/inkfold/retell/pkg/vector/sqlitevec"
)

type NewVectorDriverOpts struct {
	ProviderType string

	// Target is the sqlite database path for the "sqlite" provider or the
	// host:port of the Qdrant gRPC endpoint for "qdrant".
	Target string

	Collection string
	Dimensions uint
	Logger     *zap.Logger
}

func NewVectorDriver(ctx context.Context, o *NewVectorDriverOpts) (vector.Driver, error) {
	switch o.ProviderType {
	case "sqlite":
		return sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{
			DBPath:     o.Target,
			Dimensions: o.Dimensions,
		}, o.Logger)
	case "qdrant":
		return qdrant.NewQdrantDriver(ctx, qdrant.Config{
			Target:     o.Target,
			Collection: o.Collection,
			Dimensions: o.Dimensions,
		}, o.Logger)
	default:
		return nil, fmt.Errorf("unsupported vector store provider: %s", o.ProviderType)
	}
}
