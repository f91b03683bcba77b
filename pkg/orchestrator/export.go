package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"

	"github.com/telemerge/mergebot/pkg/pipeline"
	"github.com/telemerge/mergebot/pkg/proxyuri"
)

// outputFilename maps a (route, format) pair to its stable export name.
func outputFilename(route, fmtID string) string {
	switch {
	case strings.HasSuffix(fmtID, ".decoded.json"):
		return fmt.Sprintf("%s_%s_decoded.json", route, strings.TrimSuffix(fmtID, ".decoded.json"))
	case strings.HasSuffix(fmtID, ".b64sub"):
		return fmt.Sprintf("%s_%s_b64sub.txt", route, strings.TrimSuffix(fmtID, ".b64sub"))
	default:
		return fmt.Sprintf("%s.%s", route, fmtID)
	}
}

// exportOutputs writes this run's artifacts into the repo-tracked outputs
// tree and removes stale route-owned files. Files whose name does not start
// with a configured route name are left alone.
func (o *Orchestrator) exportOutputs(results []pipeline.BuildResult) error {
	outDir := o.opts.OutputsDir
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create outputs dir: %w", err)
	}

	payloads := map[string][]byte{}
	for _, res := range results {
		if len(res.Data) == 0 {
			continue
		}
		payloads[outputFilename(res.RouteName, res.Format)] = res.Data
	}
	if len(payloads) == 0 {
		o.logger.Warn().Msg("no artifacts produced, outputs not updated")
		return nil
	}

	routeNames := make([]string, 0, len(o.cfg.Routes))
	for _, r := range o.cfg.Routes {
		routeNames = append(routeNames, r.Name)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return fmt.Errorf("read outputs dir: %w", err)
	}
	stale := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		owned := false
		for _, rt := range routeNames {
			if strings.HasPrefix(name, rt) {
				owned = true
				break
			}
		}
		if !owned {
			continue
		}
		if _, keep := payloads[name]; keep {
			continue
		}
		if err := os.Remove(filepath.Join(outDir, name)); err != nil {
			o.logger.Warn().Err(err).Str("file", name).Msg("could not remove stale output")
			continue
		}
		stale++
		o.logger.Info().Str("file", name).Msg("removed stale output")
	}

	written := 0
	for name, data := range payloads {
		if err := renameio.WriteFile(filepath.Join(outDir, name), data, 0o644); err != nil {
			o.logger.Error().Err(err).Str("file", name).Msg("could not write output")
			continue
		}
		written++
	}
	o.logger.Info().Int("written", written).Int("stale_removed", stale).
		Str("dir", outDir).Msg("outputs exported")
	return nil
}

// devProxy is one entry of the cumulative proxies.json export.
type devProxy struct {
	URI       string  `json:"uri"`
	FirstSeen float64 `json:"first_seen"`
}

// devExport is the proxies.json envelope.
type devExport struct {
	Generated string     `json:"_generated"`
	Scope     string     `json:"_scope"`
	Count     int        `json:"_count"`
	Proxies   []devProxy `json:"proxies"`
}

// exportDevOutputs accumulates every known text-format URI into the dev
// tree as an all-time cumulative set. A manifest of canonical URI to
// first-seen timestamp survives across runs and dedups the history.
func (o *Orchestrator) exportDevOutputs(ctx context.Context) error {
	devDir := o.opts.DevOutputsDir
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return fmt.Errorf("create dev outputs dir: %w", err)
	}
	manifestPath := filepath.Join(devDir, "_manifest.json")
	now := float64(time.Now().Unix())

	manifest := map[string]float64{}
	if raw, err := os.ReadFile(manifestPath); err == nil {
		if err := json.Unmarshal(raw, &manifest); err != nil {
			o.logger.Warn().Err(err).Msg("unreadable dev manifest, starting fresh")
			manifest = map[string]float64{}
		}
	}

	sourceIDs := make([]string, 0, len(o.cfg.Sources))
	for _, s := range o.cfg.Sources {
		sourceIDs = append(sourceIDs, s.ID)
	}
	records, err := o.repo.GetRecordsForBuild(ctx, []string{"npvt", "npvtsub"}, sourceIDs, 0)
	if err != nil {
		return fmt.Errorf("fetch history records: %w", err)
	}

	added := 0
	for _, rec := range records {
		uri := strings.TrimSpace(rec.Data.Line)
		if uri == "" || !strings.Contains(uri, "://") {
			continue
		}
		key := proxyuri.StripRemark(uri)
		if _, known := manifest[key]; !known {
			manifest[key] = now
			added++
		}
	}
	o.logger.Info().Int("existing", len(manifest)-added).Int("added", added).
		Int("total", len(manifest)).Msg("dev manifest updated")

	if len(manifest) == 0 {
		o.logger.Warn().Msg("no proxy uris found, dev outputs not updated")
		return nil
	}

	rawManifest, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal dev manifest: %w", err)
	}
	if err := renameio.WriteFile(manifestPath, rawManifest, 0o644); err != nil {
		return fmt.Errorf("write dev manifest: %w", err)
	}

	// Newest first, then lexicographic, so the file is deterministic per
	// manifest state.
	uris := make([]string, 0, len(manifest))
	for u := range manifest {
		uris = append(uris, u)
	}
	sort.Slice(uris, func(i, j int) bool {
		if manifest[uris[i]] != manifest[uris[j]] {
			return manifest[uris[i]] > manifest[uris[j]]
		}
		return uris[i] < uris[j]
	})

	counters := map[string]int{}
	remarked := make([]string, len(uris))
	for i, u := range uris {
		remarked[i] = proxyuri.AddCleanRemark(u, counters)
	}
	ts := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")

	header := fmt.Sprintf("# mergebot proxy list - %s\n# All-time cumulative history - %d unique URIs\n# One proxy URI per line\n\n",
		ts, len(remarked))
	plain := strings.Join(remarked, "\n")
	if err := renameio.WriteFile(filepath.Join(devDir, "proxies.txt"),
		[]byte(header+plain+"\n"), 0o644); err != nil {
		return fmt.Errorf("write proxies.txt: %w", err)
	}

	b64 := base64.StdEncoding.EncodeToString([]byte(plain))
	if err := renameio.WriteFile(filepath.Join(devDir, "proxies_b64sub.txt"),
		[]byte(b64+"\n"), 0o644); err != nil {
		return fmt.Errorf("write proxies_b64sub.txt: %w", err)
	}

	export := devExport{
		Generated: ts,
		Scope:     "all_time_cumulative",
		Count:     len(uris),
		Proxies:   make([]devProxy, len(uris)),
	}
	for i := range uris {
		export.Proxies[i] = devProxy{URI: remarked[i], FirstSeen: manifest[uris[i]]}
	}
	rawExport, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proxies.json: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(devDir, "proxies.json"), rawExport, 0o644); err != nil {
		return fmt.Errorf("write proxies.json: %w", err)
	}

	o.logger.Info().Int("uris", len(uris)).Str("dir", devDir).Msg("dev outputs exported")
	return nil
}
