//go:build wireinject
// +build wireinject

package di

import (
	"MarketGate/internal/service/news"
	"MarketGate/pkg/config"
	"MarketGate/pkg/server"

	"github.com/google/wire"
)

var outboundSet = wire.NewSet(
	ProvideRegistry,
	ProvideMetrics,
	ProvideLimiter,
	ProvideHTTPClient,
	ProvideCoordinator,
	ProvidePipelines,
)

var newsSet = wire.NewSet(
	ProvideNewsSources,
	ProvideAggregator,
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		ProvideLogger,
		outboundSet,
		newsSet,

		// Streaming
		ProvideStreamManager,
		ProvideSink,
		ProvideSinkPipeline,
		ProvideMarketFeed,

		// Gateway
		ProvideGateway,
		ProvideHTTPServer,

		ProvideApp,
	)
	return nil, nil, nil
}

// InitializeAggregator wires only what a one-shot news fetch needs.
func InitializeAggregator(cfg *config.Config) (*news.Aggregator, func(), error) {
	wire.Build(
		ProvideLogger,
		outboundSet,
		newsSet,
	)
	return nil, nil, nil
}
