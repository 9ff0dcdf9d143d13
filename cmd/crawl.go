package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/crawl"
	"github.com/xkilldash9x/profilepilot/internal/humanoid"
	"github.com/xkilldash9x/profilepilot/internal/identity"
	"github.com/xkilldash9x/profilepilot/internal/interact"
)

// newCrawlCmd creates the `crawl` command.
func newCrawlCmd(a *app) *cobra.Command {
	var accountID string
	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "Harvest listings page by page into an NDJSON file",
		Long: `Opens the listing feed, extracts every tile, and keeps clicking "load more"
until the page cap. The output file is rewritten after each page; a JSON
summary is printed to stdout when the crawl ends, including when it could
not start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			cfg, logger := a.cfg, a.logger

			// The engine prints its own summary once it runs; before that, a
			// failed setup still reports one.
			crawled := false
			defer func() {
				if crawled || err == nil {
					return
				}
				if werr := crawl.WriteSummary(cmd.OutOrStdout(), crawl.Summary{Failures: []string{err.Error()}}); werr != nil {
					logger.Warn("Failed to write crawl summary.", zap.Error(werr))
				}
			}()

			sink, err := crawl.NewNDJSONSink(cfg.Crawl.Output)
			if err != nil {
				return err
			}
			extractor, err := crawl.NewTileExtractor(crawl.DefaultTileSelectors, cfg.Crawl.StartURL)
			if err != nil {
				return err
			}

			opts := browser.SessionOptions{AccountID: accountID}
			var keeper *identity.Keeper
			if accountID != "" {
				st, closeStore, err := openStore(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer closeStore()
				keeper = identity.NewKeeper(st, logger)

				if cfg.Proxy.Enabled {
					upstream, err := identity.NewAllocator(cfg.Proxy, st, logger).Allocate(ctx, accountID)
					if err != nil {
						return fmt.Errorf("failed to allocate proxy for %s: %w", accountID, err)
					}
					bridge := identity.NewBridge(upstream, logger)
					addr, err := bridge.Start()
					if err != nil {
						return err
					}
					defer func() { _ = bridge.Close(browser.Detach(ctx)) }()
					opts.ProxyServer = "http://" + addr
				}
			}

			manager := browser.NewManager(cfg.Browser, logger)
			defer shutdownBrowsers(ctx, manager, logger)
			page, err := manager.NewSession(ctx, opts)
			if err != nil {
				return fmt.Errorf("failed to launch browser: %w", err)
			}
			defer page.Close()

			if keeper != nil {
				resumed, err := keeper.Resume(ctx, accountID, page)
				if err != nil {
					return err
				}
				if !resumed {
					logger.Warn("No saved session for account; crawling without it.", zap.String("account_id", accountID))
				}
			}

			ix := interact.New(page, humanoid.New(cfg.Browser.Typing, nil, 0), logger, interact.Options{
				ListboxWait: cfg.Browser.Typing.ListboxWait,
			})
			engine := crawl.NewEngine(ix, cfg.Crawl, extractor, cmd.OutOrStdout(), logger)
			crawled = true
			summary, err := engine.Crawl(ctx, cfg.Crawl.MaxPages, sink)
			if err != nil {
				return err
			}
			logger.Info("Crawl finished.",
				zap.String("output", sink.Path()),
				zap.Int("pages", summary.PagesVisited),
				zap.Int("unique", summary.UniqueIDs))
			return nil
		},
	}

	crawlCmd.Flags().StringVar(&accountID, "account", "", "reuse this account's saved session and proxy")
	crawlCmd.Flags().Int("max-pages", 0, "page cap (overrides crawl.max_pages)")
	crawlCmd.Flags().StringP("output", "o", "", "NDJSON output file (overrides crawl.output)")
	crawlCmd.Flags().String("start-url", "", "feed URL (overrides crawl.start_url)")
	bindFlag(crawlCmd, "max-pages", "crawl.max_pages")
	bindFlag(crawlCmd, "output", "crawl.output")
	bindFlag(crawlCmd, "start-url", "crawl.start_url")
	return crawlCmd
}
