package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/djlord-it/pixlewatch/internal/domain"
)

// validateScheduleRequest rejects bodies that cannot produce a resolvable URL.
// An empty locale list is accepted and yields runs with no results.
// Recurrence expressions are validated by the registry.
func validateScheduleRequest(req ScheduleRequest) error {
	if req.URLTemplate == "" {
		return fmt.Errorf("url_template is required")
	}
	for i, l := range req.Locales {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("locales[%d] is empty", i)
		}
	}
	if req.CronExpression == "" {
		return fmt.Errorf("cron_expression is required")
	}

	locale := "en"
	if len(req.Locales) > 0 {
		locale = req.Locales[0]
	}
	sample := strings.ReplaceAll(req.URLTemplate, domain.LocalePlaceholder, locale)
	if err := validateTargetURL(sample); err != nil {
		return fmt.Errorf("invalid url_template: %w", err)
	}
	return nil
}

func validateTargetURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
