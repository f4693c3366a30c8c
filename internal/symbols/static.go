package symbols

import "context"

// StaticSource serves filters from a fixed table, for venues whose published
// trading rules do not drift at runtime and for local paper trading.
type StaticSource struct {
	info map[Key]MarketInfo
}

// NewStaticSource builds a source over the given table.
func NewStaticSource(info map[Key]MarketInfo) *StaticSource {
	return &StaticSource{info: info}
}

func (s *StaticSource) LoadMarketInfo(ctx context.Context) (map[Key]MarketInfo, error) {
	out := make(map[Key]MarketInfo, len(s.info))
	for k, v := range s.info {
		out[k] = v
	}
	return out, nil
}

func (s *StaticSource) NeedsRefresh() bool { return false }
