package app

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Larkin2512/RelDB/src/engine"
	"github.com/Larkin2512/RelDB/src/pkg/utils"
)

// Entrypoint assembles a running engine from the process environment.
type Entrypoint struct {
	Env envVars

	e   *engine.Engine
	log *zap.SugaredLogger
}

func (ep *Entrypoint) Init(_ context.Context) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	ep.Env = env

	if env.Environment == EnvDev {
		ep.log = utils.Must(zap.NewDevelopment()).Sugar()
	} else {
		ep.log = utils.Must(zap.NewProduction()).Sugar()
	}

	ep.e, err = engine.New(afero.NewOsFs(), engine.Config{
		DataDir:  env.DataDir,
		PoolSize: env.PoolSize,
		PageSize: env.PageSize,
	}, ep.log)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	ep.log.Infow("engine ready",
		"data_dir", env.DataDir,
		"pool_size", env.PoolSize,
		"page_size", env.PageSize,
	)
	return nil
}

func (ep *Entrypoint) Engine() *engine.Engine { return ep.e }

func (ep *Entrypoint) Close() (err error) {
	if ep.e != nil {
		err = ep.e.Close()
	}

	if ep.log != nil {
		if err != nil {
			ep.log.Errorw("failed to close engine", zap.Error(err))
		}

		logErr := ep.log.Sync()
		if logErr != nil && err != nil {
			err = fmt.Errorf("%w, %w", err, logErr)
		} else if logErr != nil {
			err = logErr
		}
	}

	return
}
