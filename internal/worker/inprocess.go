package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/cursor"
	"github.com/withobsrvr/flowscope/internal/rpc"
	"github.com/withobsrvr/flowscope/internal/source"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// StartInProcess runs a worker on a goroutine connected by rpc.Pipe. stop
// closes the connection and waits for the worker to release its resources.
func StartInProcess(ctx context.Context, factory source.Factory, opts ...rpc.ClientOption) (client *rpc.Client, stop func()) {
	hostSide, workerSide := rpc.Pipe()
	srv := rpc.NewServer()
	svc := Register(srv, factory)

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(ctx, workerSide); err != nil {
			logger.Warn("In-process worker stopped", zap.Error(err))
		}
		if err := svc.Close(); err != nil {
			logger.Warn("Failed to release worker resources", zap.Error(err))
		}
	}()

	client = rpc.NewClient(hostSide, opts...)
	return client, func() {
		client.Close()
		<-served
	}
}

type localProvider struct {
	source.Source
}

// LocalProvider serves cursors directly from src in this process.
func LocalProvider(src source.Source) cursor.Provider {
	return localProvider{Source: src}
}

func (p localProvider) GetMessageCursor(ctx context.Context, args source.IteratorArgs, abort context.Context) (cursor.Cursor, error) {
	it, err := p.MessageIterator(ctx, args)
	if err != nil {
		return nil, err
	}
	return cursor.New(it, abort), nil
}
