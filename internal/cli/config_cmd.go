package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func (r *Root) configShow() error {
	r.printf("Current configuration:\n")
	cfgPath := os.Getenv("PRECORSIA_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/precorsia/config.json"
	}
	r.printf("Config file: %s\n", cfgPath)

	cor := r.cfg.Correlation
	r.printf("\nStudy:\n")
	r.printf("  Reference:  %s (%s %v)\n", cor.Reference.Name, cor.Reference.Band, cor.Reference.Range)
	r.printf("  Comparable: %s (%s %v)\n", cor.Comparable.Name, cor.Comparable.Band, cor.Comparable.Range)
	r.printf("  Window:     %s + %d days, buckets of 10^%d ms\n", cor.StartDate, cor.Days, cor.RoundFactor)
	r.printf("  Location:   lon %.4f lat %.4f (margin %.2f deg)\n", cor.Geolocation[0], cor.Geolocation[1], cor.MarginDeg)

	out, err := yaml.Marshal(r.cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	r.printf("\n%s", out)
	return nil
}
