package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries billing policy that operators can change without a
// restart.
type BillingConfig struct {
	Currencies              []CurrencyConfig `mapstructure:"currencies"`
	PaymentTimeout          time.Duration    `mapstructure:"paymentTimeout"`
	DefaultCollectionMethod string           `mapstructure:"defaultCollectionMethod"`
	InvoiceNumberPrefix     string           `mapstructure:"invoiceNumberPrefix"`
	CreditNoteNumberPrefix  string           `mapstructure:"creditNoteNumberPrefix"`
}

type CurrencyConfig struct {
	Code     string `mapstructure:"code"`
	Exponent int32  `mapstructure:"exponent"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Currencies: []CurrencyConfig{
			{Code: "USD", Exponent: 2},
			{Code: "EUR", Exponent: 2},
			{Code: "GBP", Exponent: 2},
			{Code: "IDR", Exponent: 2},
			{Code: "INR", Exponent: 2},
			{Code: "JPY", Exponent: 0},
		},
		PaymentTimeout:          10 * time.Second,
		DefaultCollectionMethod: "SEND_INVOICE",
		InvoiceNumberPrefix:     "INV",
		CreditNoteNumberPrefix:  "CN",
	}
}

// Exponent returns the minor-unit exponent for a currency code.
func (c BillingConfig) Exponent(code string) (int32, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, cur := range c.Currencies {
		if strings.EqualFold(cur.Code, code) {
			return cur.Exponent, true
		}
	}
	return 0, false
}

// SupportsCurrency reports whether the currency is configured.
func (c BillingConfig) SupportsCurrency(code string) bool {
	_, ok := c.Exponent(code)
	return ok
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests and tools.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/billcore")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.currencies", defaults.Currencies)
	v.SetDefault("billing.paymentTimeout", defaults.PaymentTimeout)
	v.SetDefault("billing.defaultCollectionMethod", defaults.DefaultCollectionMethod)
	v.SetDefault("billing.invoiceNumberPrefix", defaults.InvoiceNumberPrefix)
	v.SetDefault("billing.creditNoteNumberPrefix", defaults.CreditNoteNumberPrefix)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated BillingConfig
			if err := v.UnmarshalKey("billing", &updated); err != nil {
				log.Printf("[billing-config] reload failed: %v", err)
				return
			}
			if err := validateBillingConfig(updated); err != nil {
				log.Printf("[billing-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[billing-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if len(cfg.Currencies) == 0 {
		return errors.New("billing.currencies cannot be empty")
	}
	for _, cur := range cfg.Currencies {
		if len(strings.TrimSpace(cur.Code)) != 3 {
			return fmt.Errorf("billing.currencies: invalid code %q", cur.Code)
		}
		if cur.Exponent < 0 || cur.Exponent > 4 {
			return fmt.Errorf("billing.currencies: invalid exponent for %s", cur.Code)
		}
	}
	if cfg.PaymentTimeout <= 0 {
		return errors.New("billing.paymentTimeout must be positive")
	}
	switch cfg.DefaultCollectionMethod {
	case "SEND_INVOICE", "CHARGE_WALLET":
	default:
		return fmt.Errorf("billing.defaultCollectionMethod: unsupported %q", cfg.DefaultCollectionMethod)
	}
	return nil
}
