package rules

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

// seedFile is the YAML layout of a rule seed file.
type seedFile struct {
	Rules []domain.Rule `yaml:"rules"`
}

// LoadSeedDir reads every .yaml/.yml file under dir and publishes the rules
// it finds. A seed identical to the latest stored version is skipped; a
// changed seed becomes a new published version. Returns how many rules were
// published. A missing directory is not an error so fresh deployments start
// empty.
func (e *Engine) LoadSeedDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(err, errs.Dependency, "seed_dir", "cannot read rule seed directory %s", dir)
	}

	published := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return published, errs.Wrap(err, errs.Dependency, "seed_read", "cannot read %s", path)
		}
		var file seedFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return published, errs.Wrap(err, errs.Validation, "seed_parse", "cannot parse %s", path)
		}
		for i := range file.Rules {
			applied, err := e.applySeed(ctx, &file.Rules[i])
			if err != nil {
				return published, errs.Wrap(err, errs.ClassOf(err), "seed_apply", "seed %s in %s rejected", file.Rules[i].ID, path)
			}
			if applied {
				published++
			}
		}
	}
	e.logger.Info().Str("dir", dir).Int("published", published).Msg("rule seeds loaded")
	return published, nil
}

// applySeed publishes one seed rule unless the latest stored version
// already carries the same content.
func (e *Engine) applySeed(ctx context.Context, seed *domain.Rule) (bool, error) {
	latest, err := e.repo.LatestVersion(ctx, seed.ID)
	switch {
	case err == nil:
		if sameRuleContent(latest, seed) && latest.Status == domain.RuleActive {
			return false, nil
		}
		if _, err := e.Edit(ctx, seed.ID, latest.Version, seed); err != nil {
			return false, err
		}
	case errs.CodeOf(err) == "not_found":
		if _, err := e.Create(ctx, seed); err != nil {
			return false, err
		}
	default:
		return false, err
	}

	if _, err := e.Publish(ctx, seed.ID); err != nil {
		return false, err
	}
	return true, nil
}

func sameRuleContent(a, b *domain.Rule) bool {
	return a.Name == b.Name &&
		a.Market == b.Market &&
		a.Calculation == b.Calculation &&
		a.Priority == b.Priority &&
		reflect.DeepEqual(a.Criteria, b.Criteria) &&
		reflect.DeepEqual(a.Conditions, b.Conditions) &&
		reflect.DeepEqual(a.Actions, b.Actions)
}
