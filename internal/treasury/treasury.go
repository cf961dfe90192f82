// Package treasury assembles the accounting report: live native and
// index-token balances of the treasury contracts and the protocol owner,
// valued in USD against the spot price, with protocol revenue totals.
package treasury

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/serpius-project/analytics/internal/cache"
	"github.com/serpius-project/analytics/internal/config"
	"github.com/serpius-project/analytics/internal/fetch"
	"github.com/serpius-project/analytics/internal/model"
	"github.com/serpius-project/analytics/internal/rpc"
	"github.com/serpius-project/analytics/internal/types"
)

// Row sections and sources in the report.
const (
	SectionTreasury = "treasury"
	SectionOwner    = "owner"

	SourceNative     = "native"
	SourceIndexToken = "index_token"
)

// Report is the accounting view: point-in-time balances, their USD
// valuation, and revenue totals. Per-chain failures land in Warnings and
// the affected rows are omitted.
type Report struct {
	GeneratedAt      time.Time                       `json:"generated_at"`
	SpotPriceUSD     model.OptFloat                  `json:"spot_price_usd"`
	Balances         []model.BalanceRow              `json:"balances"`
	TreasuryTotalUSD model.OptFloat                  `json:"treasury_total_usd"`
	OwnerTotalUSD    model.OptFloat                  `json:"owner_total_usd"`
	Revenue          *model.RevenueTotals            `json:"revenue,omitempty"`
	RevenueByChain   map[string]model.RevenueTotals  `json:"revenue_by_chain,omitempty"`
	RevenueSource    string                          `json:"revenue_source,omitempty"`
	Warnings         []string                        `json:"warnings"`
}

// Service runs the balance queries behind the accounting report.
type Service struct {
	cfg   config.Config
	feeds *fetch.Client
	cache *cache.Cache

	clients map[types.SupportedChain]*rpc.Client
}

// NewService creates the accounting service. One RPC client is built per
// chain that has a gateway endpoint; chains without one are reported as
// warnings at query time.
func NewService(cfg config.Config, feeds *fetch.Client, c *cache.Cache) *Service {
	s := &Service{
		cfg:     cfg,
		feeds:   feeds,
		cache:   c,
		clients: make(map[types.SupportedChain]*rpc.Client),
	}
	if cfg.InfuraKey == "" {
		return s
	}
	for _, chain := range types.AllChains() {
		endpoint, err := types.RPCEndpoint(chain, cfg.InfuraKey)
		if err != nil {
			logrus.Warnf("No RPC endpoint for chain %s: %v", chain, err)
			continue
		}
		s.clients[chain] = rpc.NewClient(endpoint, cfg.RPCTimeout, cfg.BalanceTTL, c)
	}
	return s
}

// Build assembles the full report. It hard-fails only when nothing at all
// could be collected.
func (s *Service) Build(ctx context.Context) (*Report, error) {
	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Warnings:    []string{},
	}

	spot, err := s.feeds.SpotPriceUSD(ctx)
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("spot price unavailable: %v", err))
	} else {
		report.SpotPriceUSD = model.Some(spot)
	}

	if len(s.clients) == 0 {
		report.Warnings = append(report.Warnings, "no RPC gateway key configured, balance queries skipped")
	}
	s.collectBalances(ctx, report)
	s.collectRevenue(ctx, report)

	if len(report.Balances) == 0 && report.Revenue == nil {
		return nil, fmt.Errorf("accounting report: no data available (%d warnings)", len(report.Warnings))
	}
	return report, nil
}

// collectBalances queries, per chain, the treasury's native balance, the
// owner's native balance and the owner's index-token balance. Each call
// fails independently.
func (s *Service) collectBalances(ctx context.Context, report *Report) {
	owner := common.HexToAddress(s.cfg.ProtocolOwner)

	chains := make([]types.SupportedChain, 0, len(s.clients))
	for chain := range s.clients {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })

	for _, chain := range chains {
		client := s.clients[chain]
		contract, ok := s.cfg.TreasuryContracts[chain]
		if !ok {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s: no treasury contract configured", chain))
			continue
		}
		treasuryAddr := common.HexToAddress(contract)

		if amount, err := client.NativeBalance(ctx, treasuryAddr); err != nil {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s: treasury balance query failed: %v", chain, err))
		} else {
			report.Balances = append(report.Balances, s.nativeRow(SectionTreasury, chain, contract, amount, report.SpotPriceUSD))
		}

		if amount, err := client.NativeBalance(ctx, owner); err != nil {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s: owner balance query failed: %v", chain, err))
		} else {
			report.Balances = append(report.Balances, s.nativeRow(SectionOwner, chain, owner.Hex(), amount, report.SpotPriceUSD))
		}

		// The treasury contract doubles as the index token.
		decimals := client.TokenDecimals(ctx, treasuryAddr, 18)
		if amount, err := client.TokenBalance(ctx, treasuryAddr, owner, decimals); err != nil {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s: index token balance query failed: %v", chain, err))
		} else {
			report.Balances = append(report.Balances, model.BalanceRow{
				Section: SectionOwner,
				Source:  SourceIndexToken,
				Chain:   string(chain),
				Address: owner.Hex(),
				Amount:  amount,
			})
		}
	}

	report.TreasuryTotalUSD = totalUSD(report.Balances, SectionTreasury)
	report.OwnerTotalUSD = totalUSD(report.Balances, SectionOwner)
}

func (s *Service) nativeRow(section string, chain types.SupportedChain, address string, amount float64, spot model.OptFloat) model.BalanceRow {
	row := model.BalanceRow{
		Section: section,
		Source:  SourceNative,
		Chain:   string(chain),
		Address: address,
		Amount:  amount,
	}
	if spot.Valid {
		row.USDValue = model.Some(amount * spot.Value)
	}
	return row
}

// collectRevenue prefers the published revenue feed; when it is down the
// owner's native USD total stands in as a rough revenue figure.
func (s *Service) collectRevenue(ctx context.Context, report *Report) {
	stats, err := s.feeds.RevenueStats(ctx)
	if err == nil && stats != nil && stats.Totals != nil {
		report.Revenue = stats.Totals
		report.RevenueByChain = stats.Chains
		report.RevenueSource = "feed"
		return
	}
	if err != nil {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("revenue feed unavailable: %v", err))
	}
	if total := totalUSD(report.Balances, SectionOwner); total.Valid {
		report.Revenue = &model.RevenueTotals{TotalRevenue: total.Value}
		report.RevenueSource = "rpc"
	}
}

// totalUSD sums the USD values of one section. Absent when no row in the
// section carries a valuation.
func totalUSD(rows []model.BalanceRow, section string) model.OptFloat {
	sum := 0.0
	seen := false
	for _, row := range rows {
		if row.Section != section || !row.USDValue.Valid {
			continue
		}
		sum += row.USDValue.Value
		seen = true
	}
	if !seen {
		return model.None()
	}
	return model.Some(sum)
}
