package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-extras/cobraflags"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/EV-Geofence/internal/app"
	"github.com/EmpoweredVote/EV-Geofence/internal/config"
	"github.com/EmpoweredVote/EV-Geofence/internal/consistency"
	"github.com/EmpoweredVote/EV-Geofence/internal/db"
	"github.com/EmpoweredVote/EV-Geofence/internal/fences"
	"github.com/EmpoweredVote/EV-Geofence/internal/logging"
)

const (
	inputFlag       = "input"
	outputFlag      = "output"
	configFlag      = "config"
	invalidOnlyFlag = "invalid-only"
	dryRunFlag      = "dry-run"
	writeFlag       = "write"
	idsFlag         = "ids"
	outFlag         = "out"
	statusFlag      = "status"
)

func sourceFlags() map[string]cobraflags.Flag {
	return map[string]cobraflags.Flag{
		inputFlag: &cobraflags.StringFlag{
			Name:  inputFlag,
			Value: "",
			Usage: "GeoJSON FeatureCollection to load instead of the fence table",
		},
		outputFlag: &cobraflags.StringFlag{
			Name:  outputFlag,
			Value: "json",
			Usage: "Report format (json, yaml)",
		},
		configFlag: &cobraflags.StringFlag{
			Name:  configFlag,
			Value: "config.yaml",
			Usage: "Optional YAML config file; environment variables take precedence",
		},
	}
}

func remediationFlags() map[string]cobraflags.Flag {
	flags := sourceFlags()
	flags[dryRunFlag] = &cobraflags.BoolFlag{
		Name:  dryRunFlag,
		Value: false,
		Usage: "Report the fences that would change without changing them",
	}
	flags[writeFlag] = &cobraflags.BoolFlag{
		Name:  writeFlag,
		Value: false,
		Usage: "Save the changed fences back to the --input file",
	}
	return flags
}

// env is what a subcommand runs against: a repository plus the consistency services.
type env struct {
	repo   fences.Repository
	mem    *fences.MemStore
	svc    *app.Services
	logger *zap.Logger
	close  func()
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fencectl",
		Short: "Validate geofences and remediate invalid or duplicate ones",
		Long: `fencectl inspects geofence geometry for validity problems and duplicate shapes,
and runs the remediation operations the HTTP service exposes.

Fences are read from the configured fence table (DATABASE_URL, FENCE_TABLE) unless
--input names a GeoJSON FeatureCollection. Remediation against a file changes an
in-memory copy; pass --write to save it back.

Examples:
  fencectl validate --invalid-only
  fencectl duplicates --input fences.geojson --output yaml
  fencectl repair --ids 12,40 --dry-run
  fencectl deactivate-duplicates --input fences.geojson --write
  fencectl export --out fences.zip --status active`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newValidateCommand(),
		newDuplicatesCommand(),
		newRepairCommand(),
		newDeactivateCommand("deactivate-invalid", "Mark every invalid fence inactive",
			func(c *consistency.Controller) deactivation { return c.DeactivateInvalid },
			func(c *consistency.Controller) deactivation { return c.PlanDeactivateInvalid }),
		newDeactivateCommand("deactivate-duplicates", "Mark every non-canonical duplicate fence inactive",
			func(c *consistency.Controller) deactivation { return c.DeactivateDuplicates },
			func(c *consistency.Controller) deactivation { return c.PlanDeactivateDuplicates }),
		newExportCommand(),
	)
	return root
}

func newValidateCommand() *cobra.Command {
	flags := sourceFlags()
	flags[invalidOnlyFlag] = &cobraflags.BoolFlag{
		Name:  invalidOnlyFlag,
		Value: false,
		Usage: "Only report fences that fail a validity check",
	}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Report validity and duplicate membership for every fence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(flags)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			all, err := e.repo.Fences(ctx, nil)
			if err != nil {
				return err
			}
			issues, err := e.svc.Validator.Validate(ctx, all)
			if err != nil {
				return err
			}

			invalid := consistency.Invalid(issues)
			report := validationReport{Total: len(issues), Invalid: len(invalid), Issues: issues}
			if flags[invalidOnlyFlag].GetBool() {
				report.Issues = invalid
			}
			if report.Issues == nil {
				report.Issues = []consistency.Issue{}
			}
			return writeReport(cmd.OutOrStdout(), flags[outputFlag].GetString(), report)
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

type validationReport struct {
	Total   int                 `json:"total"`
	Invalid int                 `json:"invalid"`
	Issues  []consistency.Issue `json:"issues"`
}

func newDuplicatesCommand() *cobra.Command {
	flags := sourceFlags()

	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "List groups of fences whose canonical geometry is identical",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(flags)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			all, err := e.repo.Fences(ctx, nil)
			if err != nil {
				return err
			}
			grouping, err := e.svc.Grouper.Group(ctx, all)
			if err != nil {
				return err
			}

			report := duplicatesReport{Groups: grouping.Groups, Redundant: grouping.Redundant()}
			if report.Groups == nil {
				report.Groups = []consistency.Group{}
			}
			if report.Redundant == nil {
				report.Redundant = []int64{}
			}
			return writeReport(cmd.OutOrStdout(), flags[outputFlag].GetString(), report)
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

type duplicatesReport struct {
	Groups    []consistency.Group `json:"groups"`
	Redundant []int64             `json:"redundant"`
}

func newRepairCommand() *cobra.Command {
	flags := remediationFlags()
	flags[idsFlag] = &cobraflags.StringFlag{
		Name:  idsFlag,
		Value: "",
		Usage: "Comma-separated fence ids to repair (required)",
	}

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Replace the geometry of the given fences with a repaired version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseIDList(flags[idsFlag].GetString())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return errors.New("at least one fence id is required (use --ids)")
			}

			e, err := openEnv(flags)
			if err != nil {
				return err
			}
			defer e.close()

			run := e.svc.Controller.Repair
			if flags[dryRunFlag].GetBool() {
				run = e.svc.Controller.PlanRepair
			}
			res, err := run(cmd.Context(), ids)
			if err != nil {
				return err
			}
			if err := e.persist(flags, res.DryRun); err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), flags[outputFlag].GetString(), res)
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

type deactivation func(ctx context.Context) (consistency.Result, error)

func newDeactivateCommand(use, short string, apply, plan func(*consistency.Controller) deactivation) *cobra.Command {
	flags := remediationFlags()

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(flags)
			if err != nil {
				return err
			}
			defer e.close()

			run := apply(e.svc.Controller)
			if flags[dryRunFlag].GetBool() {
				run = plan(e.svc.Controller)
			}
			res, err := run(cmd.Context())
			if err != nil {
				return err
			}
			if err := e.persist(flags, res.DryRun); err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), flags[outputFlag].GetString(), res)
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

func newExportCommand() *cobra.Command {
	flags := sourceFlags()
	flags[outFlag] = &cobraflags.StringFlag{
		Name:  outFlag,
		Value: "fences.zip",
		Usage: "Path of the zip archive to write",
	}
	flags[statusFlag] = &cobraflags.StringFlag{
		Name:  statusFlag,
		Value: "",
		Usage: "Only export fences with this status",
	}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write fences as GeoJSON and shapefile in a zip archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(flags)
			if err != nil {
				return err
			}
			defer e.close()

			parts, err := e.repo.Parts(cmd.Context(), fences.PartFilter{
				Status: consistency.Status(flags[statusFlag].GetString()),
			})
			if err != nil {
				return err
			}
			features := consistency.Reassemble(parts)

			path := flags[outFlag].GetString()
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("create %s: %w", path, err)
			}
			if err := fences.WriteExport(f, features); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d fences to %s\n", len(features), path)
			return nil
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

// openEnv loads config and builds the repository and services. With --input the fences
// come from a GeoJSON file and no database is opened.
func openEnv(flags map[string]cobraflags.Flag) (*env, error) {
	cfg, err := config.LoadFile(flags[configFlag].GetString())
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	e := &env{logger: logger, close: func() { _ = logger.Sync() }}

	if path := flags[inputFlag].GetString(); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		mem, err := fences.LoadGeoJSON(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		// the postgis engine has nothing to talk to without a database
		if cfg.Geometry.Engine == config.EnginePostGIS {
			cfg.Geometry.Engine = config.EngineGEOS
		}
		engine, err := app.NewEngine(cfg.Geometry, nil, logger)
		if err != nil {
			return nil, err
		}
		e.repo, e.mem = mem, mem
		e.svc = app.NewServices(mem, engine, cfg.Geometry, logger)
		return e, nil
	}

	if err := cfg.RequireDatabase(); err != nil {
		return nil, fmt.Errorf("%w (or pass --input)", err)
	}
	gdb, err := db.Connect(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	e.close = func() {
		_ = db.Close(gdb)
		_ = logger.Sync()
	}

	store, err := fences.NewPostGISStore(gdb, cfg.Database.FenceTable, logger)
	if err != nil {
		e.close()
		return nil, err
	}
	engine, err := app.NewEngine(cfg.Geometry, gdb, logger)
	if err != nil {
		e.close()
		return nil, err
	}
	e.repo = store
	e.svc = app.NewServices(store, engine, cfg.Geometry, logger)
	return e, nil
}

// persist saves the in-memory store back to --input when --write is set.
func (e *env) persist(flags map[string]cobraflags.Flag, dryRun bool) error {
	if !flags[writeFlag].GetBool() || dryRun {
		return nil
	}
	if e.mem == nil {
		return errors.New("--write only applies with --input")
	}

	path := flags[inputFlag].GetString()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := e.mem.WriteGeoJSON(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	e.logger.Info("Saved fences", zap.String("path", path))
	return nil
}

func writeReport(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "json", "":
		data = append(data, '\n')
	case "yaml", "yml":
		// converting from JSON keeps the json field names
		data, err = yaml.JSONToYAML(data)
		if err != nil {
			return fmt.Errorf("render yaml: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}

	_, err = w.Write(data)
	return err
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fence id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
