package stats

// Provider is implemented by components that expose statistics.
type Provider interface {
	// GetStats returns all statistics.
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics whose keys start with prefix.
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Ensure Collector implements the Provider interface.
var _ Provider = (*Collector)(nil)
