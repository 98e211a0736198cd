package config

import "fmt"

// ICSConfig names the product identity stamped into freshly generated
// iCalendar bodies; patched bodies keep whatever PRODID the server sent.
type ICSConfig struct {
	CompanyName string
	ProductName string
	Version     string
	Language    string
}

// BuildProdID renders the RFC 5545 PRODID value, with or without a
// version segment.
func (cfg *ICSConfig) BuildProdID() string {
	if cfg.Version != "" {
		return fmt.Sprintf("-//%s//%s %s//%s",
			cfg.CompanyName, cfg.ProductName, cfg.Version, cfg.Language)
	}
	return fmt.Sprintf("-//%s//%s//%s",
		cfg.CompanyName, cfg.ProductName, cfg.Language)
}
