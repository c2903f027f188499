package config

import "time"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	Database Database `envPrefix:"DATABASE_"`
	Paypal   Paypal   `envPrefix:"PAYPAL_"`
	Auth     Auth     `envPrefix:"AUTH_"`
	AMQP     AMQP     `envPrefix:"AMQP_"`
	Catalog  Catalog  `envPrefix:"CATALOG_"`
	Tax      Tax      `envPrefix:"TAX_"`
	Schedule Schedule `envPrefix:"SCHEDULE_"`
}

type Database struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"` // sqlite, mysql
	URL    string `env:"URL" envDefault:"enrol_payment.db"`
}

type Paypal struct {
	// Business is the merchant account notifications must be addressed to.
	Business      string        `env:"BUSINESS"`
	Sandbox       bool          `env:"SANDBOX" envDefault:"true"`
	CheckoutURL   string        `env:"CHECKOUT_URL"`
	VerifyURL     string        `env:"VERIFY_URL"`
	VerifyTimeout time.Duration `env:"VERIFY_TIMEOUT" envDefault:"30s"`
}

// CheckoutEndpoint returns the configured checkout URL or the live/sandbox default.
func (p Paypal) CheckoutEndpoint() string {
	if p.CheckoutURL != "" {
		return p.CheckoutURL
	}
	if p.Sandbox {
		return "https://www.sandbox.paypal.com/cgi-bin/webscr"
	}
	return "https://www.paypal.com/cgi-bin/webscr"
}

// VerifyEndpoint returns the IPN verification URL.
func (p Paypal) VerifyEndpoint() string {
	if p.VerifyURL != "" {
		return p.VerifyURL
	}
	if p.Sandbox {
		return "https://ipnpb.sandbox.paypal.com/cgi-bin/webscr"
	}
	return "https://ipnpb.paypal.com/cgi-bin/webscr"
}

type Auth struct {
	JWTSecret string `env:"JWT_SECRET"`
	Issuer    string `env:"ISSUER"`
}

type AMQP struct {
	// empty URL falls back to logging notifications
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"enrol_payment"`
}

type Catalog struct {
	Path        string `env:"PATH" envDefault:"catalog.yaml"`
	DefaultCost string `env:"DEFAULT_COST" envDefault:"0"`
}

type Tax struct {
	Enabled bool     `env:"ENABLED" envDefault:"false"`
	Country string   `env:"COUNTRY"`
	Regions []string `env:"REGIONS" envSeparator:";"`
}

type Schedule struct {
	Expiry string `env:"EXPIRY" envDefault:"@every 1h"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}
