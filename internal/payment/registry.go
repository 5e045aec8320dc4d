package payment

import (
	"github.com/rs/zerolog/log"

	"vpnbilling/internal/config"
)

// FromConfig registers an adapter for every gateway that has credentials.
func FromConfig(cfg *config.Config) (*Registry, error) {
	var adapters []Adapter
	if cfg.YookassaShopID != "" {
		yoo, err := NewYooKassaAdapter(cfg.AllowedYooIP, cfg.Currency)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, yoo)
	}
	if cfg.CryptoBotToken != "" {
		adapters = append(adapters, NewCryptoBotAdapter(cfg.CryptoBotToken, cfg.Currency))
	}
	if cfg.HeleketKey != "" {
		adapters = append(adapters, NewHeleketAdapter(cfg.HeleketKey, cfg.Currency))
	}
	if cfg.TributeKey != "" {
		adapters = append(adapters, NewTributeAdapter(cfg.TributeKey, cfg.Currency))
	}
	if cfg.Pal24Token != "" {
		adapters = append(adapters, NewPal24Adapter(cfg.Pal24Token, cfg.Currency))
	}
	if cfg.PlategaMerchant != "" && cfg.PlategaSecret != "" {
		adapters = append(adapters, NewPlategaAdapter(cfg.PlategaMerchant, cfg.PlategaSecret, cfg.Currency))
	}
	if cfg.StarsSecretToken != "" && cfg.StarRate > 0 {
		adapters = append(adapters, NewStarsAdapter(cfg.StarsSecretToken, cfg.StarRate))
	}
	if cfg.StripeSecret != "" {
		adapters = append(adapters, NewStripeAdapter(cfg.StripeSecret, cfg.Currency))
	}

	r := NewRegistry(adapters...)
	log.Info().Strs("gateways", r.Gateways()).Msg("Payment gateways configured")
	return r, nil
}
