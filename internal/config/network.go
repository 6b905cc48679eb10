package config

import (
	"github.com/pkg/errors"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

// Network is the static description of one TRON network.
type Network struct {
	Name        models.Chain
	ChainID     uint64
	TronGridURL string
	ExplorerURL string

	USDT         wallet.Address
	JustLend     wallet.Address
	Router       wallet.Address
	FeeCollector wallet.Address
	// ActivationProxy rents energy for approvals on behalf of users.
	ActivationProxy wallet.Address

	MinRelayerEnergy int64 // below this the monitor tops up
	EnergyTopUp      int64

	DelegateSunForApproval int64
	PaySunForApproval      int64
	// StakedSunPerEnergyUnit converts rented energy into delegated TRX.
	StakedSunPerEnergyUnit int64

	TelegramChatID int64
}

const feeCollector = "TQyMmeSrADWyxZsV6YvVu6XDV8hdq72ykb"

var networks = map[models.Chain]Network{
	models.ChainMainnet: {
		Name:                   models.ChainMainnet,
		ChainID:                728126428,
		TronGridURL:            "https://api.trongrid.io",
		ExplorerURL:            "https://tronscan.org/#",
		USDT:                   wallet.MustParseAddress("TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"),
		JustLend:               wallet.MustParseAddress("TU2MJ5Veik1LRAgjeSzEdvmDYx7mefJZvd"),
		Router:                 wallet.MustParseAddress("TYrnoaW74cWTfxL4mMvcgbAsXUM47vqfCu"),
		FeeCollector:           wallet.MustParseAddress(feeCollector),
		ActivationProxy:        wallet.MustParseAddress("TU2MJ5Veik1LRAgjeSzEdvmDYx7mefJZvd"),
		MinRelayerEnergy:       150_000,
		EnergyTopUp:            250_000,
		DelegateSunForApproval: 8_000_000_000,
		PaySunForApproval:      60_000_000,
		StakedSunPerEnergyUnit: 80327,
		TelegramChatID:         -4249996549,
	},
	models.ChainShasta: {
		Name:                   models.ChainShasta,
		ChainID:                2494104990,
		TronGridURL:            "https://api.shasta.trongrid.io",
		ExplorerURL:            "https://shasta.tronscan.org/#",
		USDT:                   wallet.MustParseAddress("TG3XXyExBkPp9nzdajDZsozEu4BkaSJozs"),
		JustLend:               wallet.MustParseAddress("TJRrrftRMv5mF2iv7C6FtFuqgbHjvRxARd"),
		Router:                 wallet.MustParseAddress("TFAiKcphiJwyLNw2iQ9iJJauvz7PboisEH"),
		FeeCollector:           wallet.MustParseAddress(feeCollector),
		ActivationProxy:        wallet.MustParseAddress("TJRrrftRMv5mF2iv7C6FtFuqgbHjvRxARd"),
		MinRelayerEnergy:       0,
		EnergyTopUp:            300_000,
		DelegateSunForApproval: 1_000_000_000,
		PaySunForApproval:      10_000_000,
		StakedSunPerEnergyUnit: 11294,
		TelegramChatID:         -4256274967,
	},
}

// Lookup returns the preset of a network by name.
func Lookup(name string) (Network, error) {
	n, ok := networks[models.Chain(name)]
	if !ok {
		return Network{}, errors.Errorf("unknown chain %q, want %s or %s", name, models.ChainMainnet, models.ChainShasta)
	}
	return n, nil
}

func parseAddress(field, s string) (wallet.Address, error) {
	a, err := wallet.ParseAddress(s)
	if err != nil {
		return wallet.Address{}, errors.Wrap(err, field)
	}
	return a, nil
}
