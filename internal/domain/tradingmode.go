package domain

// TradingMode is the vendor-defined strategy label attached to submitted
// measurements.
type TradingMode string

const (
	// TradingModeManual battery is steered by hand.
	TradingModeManual TradingMode = "manual"
	// TradingModeImbalance battery trades on the imbalance market.
	TradingModeImbalance TradingMode = "imbalance"
	// TradingModeImbalanceAggressive imbalance trading with wider setpoints.
	TradingModeImbalanceAggressive TradingMode = "imbalance_aggressive"
	// TradingModeSelfConsumptionPlus self consumption topped up with trading.
	TradingModeSelfConsumptionPlus TradingMode = "self_consumption_plus"
	// TradingModeDayAhead accepted by the remote API, not configurable here.
	TradingModeDayAhead TradingMode = "day_ahead"
	// TradingModeSelfConsumption accepted by the remote API, not configurable here.
	TradingModeSelfConsumption TradingMode = "self_consumption"
)

// String returns the string representation.
func (m TradingMode) String() string {
	return string(m)
}

// IsValid checks whether the remote API accepts the mode.
func (m TradingMode) IsValid() bool {
	switch m {
	case TradingModeManual, TradingModeImbalance, TradingModeImbalanceAggressive,
		TradingModeSelfConsumptionPlus, TradingModeDayAhead, TradingModeSelfConsumption:
		return true
	}
	return false
}

// IsConfigurable checks whether the mode may be selected through settings.
// The remote API accepts a couple of legacy modes that are deliberately not
// exposed for configuration.
func (m TradingMode) IsConfigurable() bool {
	switch m {
	case TradingModeManual, TradingModeImbalance, TradingModeImbalanceAggressive,
		TradingModeSelfConsumptionPlus:
		return true
	}
	return false
}

// ConfigurableTradingModes lists the modes selectable in settings.
func ConfigurableTradingModes() []TradingMode {
	return []TradingMode{
		TradingModeManual,
		TradingModeImbalance,
		TradingModeImbalanceAggressive,
		TradingModeSelfConsumptionPlus,
	}
}
