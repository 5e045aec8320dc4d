package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"vpnbilling/internal/money"
)

type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	HTTPAddr       string
	MetricsAddr    string
	TrustedProxies []string
	AdminSecret    string
	LogLevel       string
	LogFormat      string

	BotToken      string
	AdminChatIDs  []int64
	RequiredChan  int64
	ReturnURL     string
	Currency      string
	WebhookRPS    float64
	WebhookBurst  int
	MaxBodyBytes  int64
	WebhookBudget time.Duration

	RemnawaveURL string
	RemnawaveKey string

	YookassaShopID string
	YookassaKey    string
	AllowedYooIP   []string

	CryptoBotToken   string
	HeleketKey       string
	TributeKey       string
	Pal24Token       string
	PlategaMerchant  string
	PlategaSecret    string
	StarsSecretToken string
	StarRate         money.Amount
	StripeSecret     string

	Tariffs Tariffs
	Trial   Trial

	ReferralPercent int

	Sync   Sync
	Worker Worker
}

// Tariffs is the pricing configuration that the pricing snapshot is built from.
type Tariffs struct {
	PeriodPrices      map[int]money.Amount // days -> base price
	TrafficMode       string               // "fixed", "selectable" or "unlimited"
	FixedTrafficGB    int
	TrafficPackages   map[int]money.Amount // GB -> monthly price, 0 GB = unlimited
	FreeDevices       int
	MaxDevices        int
	DevicePrice       money.Amount // per extra device per month
	FreeSquads        int
	SquadPrice        money.Amount // per extra squad per month
	DefaultSquadCount int
}

type Trial struct {
	Days        int
	TrafficGB   int
	Devices     int
	RequireChan bool
}

type Sync struct {
	Workers        int
	AttemptTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	DegradedAfter  int
	EscalateAfter  int
	SweepInterval  time.Duration
}

type Worker struct {
	Interval            time.Duration
	AutoRenewDaysBefore int
	ReconcileWorkers    int
	ReconcileQueue      int
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "vpnbilling"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9091"),
		TrustedProxies: getEnvList("TRUSTED_PROXIES", nil),
		AdminSecret:    getEnv("ADMIN_JWT_SECRET", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "auto"),

		BotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminChatIDs:  getEnvInt64List("ADMIN_CHAT_IDS"),
		RequiredChan:  getEnvInt64("REQUIRED_CHANNEL_ID", 0),
		ReturnURL:     getEnv("PAYMENT_RETURN_URL", "https://t.me"),
		Currency:      getEnv("CURRENCY", "RUB"),
		WebhookRPS:    getEnvFloat("WEBHOOK_RATE_LIMIT", 20),
		WebhookBurst:  getEnvInt("WEBHOOK_RATE_BURST", 40),
		MaxBodyBytes:  getEnvInt64("WEBHOOK_MAX_BODY_BYTES", 1<<20),
		WebhookBudget: getEnvDuration("WEBHOOK_PROCESSING_TIMEOUT", 20*time.Second),

		RemnawaveURL: getEnv("REMNAWAVE_API_URL", ""),
		RemnawaveKey: getEnv("REMNAWAVE_API_KEY", ""),

		YookassaShopID: getEnv("YOOKASSA_SHOP_ID", ""),
		YookassaKey:    getEnv("YOOKASSA_SECRET_KEY", ""),
		AllowedYooIP: getEnvList("YOOKASSA_ALLOWED_CIDRS", []string{
			"185.71.76.0/27",
			"185.71.77.0/27",
			"77.75.153.0/25",
			"77.75.156.11/32",
			"77.75.156.35/32",
			"77.75.154.128/25",
			"2a02:5180::/32",
		}),

		CryptoBotToken:   getEnv("CRYPTOBOT_API_TOKEN", ""),
		HeleketKey:       getEnv("HELEKET_API_KEY", ""),
		TributeKey:       getEnv("TRIBUTE_API_KEY", ""),
		Pal24Token:       getEnv("PAL24_SIGNATURE_TOKEN", ""),
		PlategaMerchant:  getEnv("PLATEGA_MERCHANT_ID", ""),
		PlategaSecret:    getEnv("PLATEGA_SECRET", ""),
		StarsSecretToken: getEnv("TELEGRAM_WEBHOOK_SECRET", ""),
		StarRate:         money.Amount(getEnvInt64("STARS_RATE_KOPEKS", 179)),
		StripeSecret:     getEnv("STRIPE_WEBHOOK_SECRET", ""),

		Tariffs: Tariffs{
			PeriodPrices:      getEnvPriceTable("PERIOD_PRICES", "30:19900,90:53700,180:99900,360:179900"),
			TrafficMode:       getEnv("TRAFFIC_MODE", "selectable"),
			FixedTrafficGB:    getEnvInt("FIXED_TRAFFIC_GB", 100),
			TrafficPackages:   getEnvPriceTable("TRAFFIC_PACKAGES", "50:0,100:5000,250:10000,0:15000"),
			FreeDevices:       getEnvInt("FREE_DEVICES", 1),
			MaxDevices:        getEnvInt("MAX_DEVICES", 10),
			DevicePrice:       money.Amount(getEnvInt64("DEVICE_PRICE", 5000)),
			FreeSquads:        getEnvInt("FREE_SQUADS", 1),
			SquadPrice:        money.Amount(getEnvInt64("SQUAD_PRICE", 5000)),
			DefaultSquadCount: getEnvInt("DEFAULT_SQUAD_COUNT", 1),
		},
		Trial: Trial{
			Days:        getEnvInt("TRIAL_DAYS", 3),
			TrafficGB:   getEnvInt("TRIAL_TRAFFIC_GB", 10),
			Devices:     getEnvInt("TRIAL_DEVICES", 1),
			RequireChan: getEnvBool("TRIAL_REQUIRE_CHANNEL", false),
		},

		ReferralPercent: getEnvInt("REFERRAL_PERCENT", 15),

		Sync: Sync{
			Workers:        getEnvInt("PANEL_SYNC_WORKERS", 4),
			AttemptTimeout: getEnvDuration("PANEL_SYNC_TIMEOUT", 10*time.Second),
			BaseBackoff:    getEnvDuration("PANEL_SYNC_BACKOFF", 30*time.Second),
			MaxBackoff:     getEnvDuration("PANEL_SYNC_MAX_BACKOFF", time.Hour),
			DegradedAfter:  getEnvInt("PANEL_SYNC_DEGRADED_AFTER", 3),
			EscalateAfter:  getEnvInt("PANEL_SYNC_ESCALATE_AFTER", 10),
			SweepInterval:  getEnvDuration("PANEL_SYNC_SWEEP_INTERVAL", 6*time.Hour),
		},
		Worker: Worker{
			Interval:            getEnvDuration("WORKER_INTERVAL", time.Hour),
			AutoRenewDaysBefore: getEnvInt("AUTO_RENEW_DAYS_BEFORE", 1),
			ReconcileWorkers:    getEnvInt("RECONCILE_WORKERS", 8),
			ReconcileQueue:      getEnvInt("RECONCILE_QUEUE", 256),
		},
	}
}

// Validate rejects configurations the pricing engine cannot serve.
func (c *Config) Validate() error {
	if len(c.Tariffs.PeriodPrices) == 0 {
		return fmt.Errorf("PERIOD_PRICES must define at least one period")
	}
	for days, price := range c.Tariffs.PeriodPrices {
		if days <= 0 || price < 0 {
			return fmt.Errorf("invalid period price %d:%d", days, price)
		}
	}
	switch c.Tariffs.TrafficMode {
	case "fixed", "selectable", "unlimited":
	default:
		return fmt.Errorf("unknown TRAFFIC_MODE %q", c.Tariffs.TrafficMode)
	}
	if c.Tariffs.MaxDevices < c.Tariffs.FreeDevices {
		return fmt.Errorf("MAX_DEVICES (%d) below FREE_DEVICES (%d)", c.Tariffs.MaxDevices, c.Tariffs.FreeDevices)
	}
	if c.Sync.DegradedAfter <= 0 || c.Sync.EscalateAfter < c.Sync.DegradedAfter {
		return fmt.Errorf("panel sync thresholds must satisfy 0 < degraded <= escalate")
	}
	if c.ReferralPercent < 0 || c.ReferralPercent > 100 {
		return fmt.Errorf("REFERRAL_PERCENT out of range")
	}
	return nil
}

// Periods returns the allowed period lengths in ascending order.
func (t Tariffs) Periods() []int {
	out := make([]int, 0, len(t.PeriodPrices))
	for d := range t.PeriodPrices {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvInt64(key string, fallback int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(getEnv(key, "")), 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(getEnv(key, "")), 64)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(getEnv(key, "")))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getEnvList(key string, fallback []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64List(key string) []int64 {
	var out []int64
	for _, part := range getEnvList(key, nil) {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		} else {
			log.Warn().Str("key", key).Str("value", part).Msg("Skipping invalid integer in list")
		}
	}
	return out
}

func getEnvPriceTable(key, fallback string) map[int]money.Amount {
	table, err := ParsePriceTable(getEnv(key, fallback))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Invalid price table, using default")
		table, _ = ParsePriceTable(fallback)
	}
	return table
}

// ParsePriceTable parses "30:19900,90:53700" into a key -> minor units map.
func ParsePriceTable(raw string) (map[int]money.Amount, error) {
	out := make(map[int]money.Amount)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		key, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("malformed key in %q: %w", pair, err)
		}
		price, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed price in %q: %w", pair, err)
		}
		out[key] = money.Amount(price)
	}
	return out, nil
}
