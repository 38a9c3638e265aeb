package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteline/internal/app"
	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/engine/auth"
	"siteline/internal/repo"
	"siteline/internal/server"
	sitesync "siteline/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Siteline CLI",
	Long: `Siteline tracks battery-swap site candidates through the installation
approval pipeline: a lead gets surveyed, submitted, visited, assessed,
decided, and finally installed and brought into operation.

- Sites: candidate locations with a human code (DHK-GEN-482) and a
  lifecycle status; every change bumps the version.
- Checklist: the field survey; section flags (road, flood, power, ...)
  are derived from the answers, never stored.
- Actions: role-gated transitions (operator does the field work,
  assessor runs visits and decisions).
- Photos: category-tagged captures kept next to the site record;
  deleting a site leaves them orphaned on purpose.
- Reports: shareable text blocks for the survey and the decision.
- Event log: diary of everything, view with 'sl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SITELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "act as this pipeline role (operator or assessor)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(photoCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(namespace)), 0o644); err != nil {
				return err
			}
			a, err := app.Load(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Initialized siteline workspace in %s (config at %s)\n", workspace, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "siteline", "deployment namespace")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filePath
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(path)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to workspace siteline.yml)")
	return cmd
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{
		Use:   "site",
		Short: "Manage sites",
		Long:  "Sites are candidate locations. They flow lead -> checklist_done -> submitted -> visits -> decision -> installation -> operational; NO-GO and DEFER decisions end the pipeline for a site.",
	}
	site.AddCommand(siteCreateCmd())
	site.AddCommand(siteListCmd())
	site.AddCommand(siteShowCmd())
	site.AddCommand(siteSectionsCmd())
	site.AddCommand(siteDeleteCmd())
	return site
}

func siteCreateCmd() *cobra.Command {
	var opts engine.SiteCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.CreateSite(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SiteID, "site-id", "", "site code (generated if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "site name")
	cmd.Flags().StringVar(&opts.Address, "address", "", "address")
	cmd.Flags().StringVar(&opts.OwnerName, "owner-name", "", "owner name")
	cmd.Flags().StringVar(&opts.OwnerPhone, "owner-phone", "", "owner phone")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func siteListCmd() *cobra.Command {
	var f repo.SiteFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				sites, err := a.Engine.ListSites(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sites)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Site ID", "Name", "Status", "Version", "Updated"})
				for _, s := range sites {
					tw.AppendRow(table.Row{s.SiteID, s.Name, engine.StatusLabel(s.Status), s.Version, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func siteShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a site by id or code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := resolveSite(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func siteSectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sections <id>",
		Short: "Show derived checklist section flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := resolveSite(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				sections, err := a.Engine.SectionStatus(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"sections": sections, "all_yes": sections.AllYes()})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Section", "Flag"})
				tw.AppendRow(table.Row{"Basic", sections.Basic})
				tw.AppendRow(table.Row{"Demand", sections.Demand})
				tw.AppendRow(table.Row{"Road", sections.Road})
				tw.AppendRow(table.Row{"Flood", sections.Flood})
				tw.AppendRow(table.Row{"Power", sections.Power})
				tw.AppendRow(table.Row{"Outages", sections.Outages})
				tw.AppendRow(table.Row{"Install", sections.Install})
				tw.AppendRow(table.Row{"Commercial", sections.Commercial})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func siteDeleteCmd() *cobra.Command {
	var adminCode string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a site (requires the admin code)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := resolveSite(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				if err := a.Engine.DeleteSite(ctx, s.ID, adminCode, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Deleted site %s (%s); photos are kept as orphans\n", s.SiteID, s.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&adminCode, "admin-code", "", "out-of-band deletion code")
	_ = cmd.MarkFlagRequired("admin-code")
	return cmd
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "action",
		Short: "Run lifecycle actions",
		Long:  "Every action is one guarded step of the pipeline. The acting role comes from --role or your stored grants; wrong role, wrong stage, or missing data all reject without writing anything.",
	}
	act.AddCommand(actionChecklistCmd())
	act.AddCommand(simpleActionCmd("submit", "Submit a surveyed site for assessment", engine.ActionSubmit))
	act.AddCommand(actionProposeVisitCmd())
	act.AddCommand(simpleActionCmd("confirm-visit", "Confirm the proposed visit date", engine.ActionConfirmVisit))
	act.AddCommand(simpleActionCmd("start-visit", "Mark the technical visit as underway", engine.ActionStartTechVisit))
	act.AddCommand(actionAssessCmd())
	act.AddCommand(actionDecideCmd())
	act.AddCommand(actionProposeInstallCmd())
	act.AddCommand(simpleActionCmd("confirm-install", "Confirm the installation date", engine.ActionConfirmInstall))
	act.AddCommand(simpleActionCmd("contract-ready", "Mark the contract as signed and ready", engine.ActionMarkContractReady))
	act.AddCommand(actionDeployCmd())
	return act
}

func runAction(cmd *cobra.Command, ref string, action engine.Action, expectedVersion int64, payload engine.TransitionPayload) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
		s, err := resolveSite(ctx, a.Engine, ref)
		if err != nil {
			return err
		}
		role, err := resolveCLIRole(ctx, a, action)
		if err != nil {
			return err
		}
		res, err := a.Engine.Transition(ctx, engine.TransitionOptions{
			ID:              s.ID,
			Action:          action,
			Role:            role,
			ActorID:         viper.GetString("actor-id"),
			ExpectedVersion: expectedVersion,
			Payload:         payload,
		})
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(res)
		}
		fmt.Printf("%s: %s -> %s (version %d)\n", res.SiteID, action, engine.StatusLabel(res.Status), res.Version)
		return nil
	})
}

func simpleActionCmd(use, short string, action engine.Action) *cobra.Command {
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, args[0], action, expectedVersion, engine.TransitionPayload{})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the action was decided on (0 uses current)")
	return cmd
}

func actionChecklistCmd() *cobra.Command {
	var expectedVersion int64
	var file, data string
	cmd := &cobra.Command{
		Use:   "checklist <id>",
		Short: "Record the completed field survey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(data)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				raw = b
			}
			if len(raw) == 0 {
				return fmt.Errorf("--file or --data required")
			}
			var c domain.Checklist
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("invalid checklist JSON: %w", err)
			}
			return runAction(cmd, args[0], engine.ActionCompleteChecklist, expectedVersion, engine.TransitionPayload{Checklist: &c})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the action was decided on (0 uses current)")
	cmd.Flags().StringVar(&file, "file", "", "path to checklist JSON")
	cmd.Flags().StringVar(&data, "data", "", "inline checklist JSON")
	return cmd
}

func actionProposeVisitCmd() *cobra.Command {
	var expectedVersion int64
	var date string
	cmd := &cobra.Command{
		Use:   "propose-visit <id>",
		Short: "Propose a technical visit date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, args[0], engine.ActionProposeVisit, expectedVersion, engine.TransitionPayload{VisitDate: date})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the action was decided on (0 uses current)")
	cmd.Flags().StringVar(&date, "date", "", "visit date")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func actionAssessCmd() *cobra.Command {
	var expectedVersion int64
	var ta domain.TechAssessment
	cmd := &cobra.Command{
		Use:   "assess <id>",
		Short: "Record the technical assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, args[0], engine.ActionCompleteAssessment, expectedVersion, engine.TransitionPayload{TechAssessment: &ta})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the action was decided on (0 uses current)")
	cmd.Flags().BoolVar(&ta.Electrical, "electrical", false, "electrical check passed")
	cmd.Flags().BoolVar(&ta.Ventilation, "ventilation", false, "ventilation check passed")
	cmd.Flags().BoolVar(&ta.Connectivity, "connectivity", false, "connectivity check passed")
	cmd.Flags().StringVar(&ta.Risks, "risks", "", "identified risks")
	cmd.Flags().StringVar(&ta.Preconditions, "preconditions", "", "preconditions before install")
	return cmd
}

func actionDecideCmd() *cobra.Command {
	var expectedVersion int64
	var d domain.Decision
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Record the go/no-go decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, args[0], engine.ActionDecide, expectedVersion, engine.TransitionPayload{Decision: &d})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the action was decided on (0 uses current)")
	cmd.Flags().StringVar(&d.Result, "result", "", "GO, NO-GO or DEFER")
	cmd.Flags().StringVar(&d.Notes, "notes", "", "decision notes")
	cmd.Flags().StringVar(&d.TargetDate, "target-date", "", "target window (defaults to 3-7 days)")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

func actionProposeInstallCmd() *cobra.Command {
	var expectedVersion int64
	var inst domain.Installation
	cmd := &cobra.Command{
		Use:   "propose-install <id>",
		Short: "Propose the installation date and PIC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, args[0], engine.ActionProposeInstall, expectedVersion, engine.TransitionPayload{Installation: &inst})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the action was decided on (0 uses current)")
	cmd.Flags().StringVar(&inst.Date, "date", "", "installation date")
	cmd.Flags().StringVar(&inst.PICName, "pic-name", "", "person in charge")
	cmd.Flags().StringVar(&inst.PICPhone, "pic-phone", "", "PIC phone number")
	return cmd
}

func actionDeployCmd() *cobra.Command {
	var expectedVersion int64
	var dep domain.Deployment
	cmd := &cobra.Command{
		Use:   "deploy <id>",
		Short: "Record the cabinet deployment and go operational",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dep.DeployedAt = time.Now().UTC().Format(time.RFC3339)
			return runAction(cmd, args[0], engine.ActionDeploy, expectedVersion, engine.TransitionPayload{Deployment: &dep})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version the action was decided on (0 uses current)")
	cmd.Flags().StringVar(&dep.CabinetSerial, "cabinet-serial", "", "cabinet serial number")
	cmd.Flags().StringVar(&dep.BatteryCount, "battery-count", "", "number of batteries loaded")
	cmd.Flags().StringVar(&dep.DashboardID, "dashboard-id", "", "dashboard identifier")
	cmd.Flags().BoolVar(&dep.CabinetPowered, "cabinet-powered", false, "cabinet is powered on")
	cmd.Flags().BoolVar(&dep.BatteriesCharging, "batteries-charging", false, "batteries are charging")
	return cmd
}

func photoCmd() *cobra.Command {
	photo := &cobra.Command{
		Use:   "photo",
		Short: "Manage site photos",
	}
	photo.AddCommand(photoAddCmd())
	photo.AddCommand(photoListCmd())
	return photo
}

func photoAddCmd() *cobra.Command {
	var category, file string
	cmd := &cobra.Command{
		Use:   "add <site-id>",
		Short: "Attach a photo to a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := resolveSite(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				p, err := a.Engine.AddPhoto(ctx, engine.PhotoAddOptions{
					SiteID:    s.ID,
					Category:  category,
					ImageData: base64.StdEncoding.EncodeToString(raw),
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Added %s photo %s to %s\n", p.Category, p.ID, s.SiteID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "photo category (Front, Entrance, Install Spot, Meter, Roads, Additional N)")
	cmd.Flags().StringVar(&file, "file", "", "path to image file")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func photoListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list <site-id>",
		Short: "List photos for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := resolveSite(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				photos, err := a.Engine.ListPhotos(ctx, repo.PhotoFilters{SiteID: s.ID, Category: category})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(photos)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Created"})
				for _, p := range photos {
					tw.AppendRow(table.Row{p.ID, p.Category, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "report",
		Short: "Render shareable reports",
	}
	rep.AddCommand(reportFieldCmd())
	rep.AddCommand(reportDecisionCmd())
	return rep
}

func reportFieldCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "field <id>",
		Short: "Field survey report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := resolveSite(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				report, err := a.Engine.FieldReport(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"report": report})
				}
				fmt.Println(report)
				return nil
			})
		},
	}
	return cmd
}

func reportDecisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decision <id>",
		Short: "Decision announcement report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := resolveSite(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				report, err := a.Engine.DecisionReport(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"report": report})
				}
				fmt.Println(report)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, siteRef, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				siteID := ""
				if siteRef != "" {
					s, err := resolveSite(ctx, a.Engine, siteRef)
					if err != nil {
						return err
					}
					siteID = s.ID
				}
				events, err := a.Engine.Repo.LatestEvents(ctx, n, siteID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&siteRef, "site", "", "site id or code")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func syncCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sync",
		Short: "Snapshot feeds",
	}
	s.AddCommand(syncWatchCmd())
	return s
}

func syncWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the site snapshot feed until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				broker := sitesync.New(a.Engine.Repo)
				if interval > 0 {
					broker.Interval = interval
				}
				for snap := range broker.SubscribeSites(ctx) {
					if viper.GetBool("json") {
						if err := printJSON(snap); err != nil {
							return err
						}
						continue
					}
					fmt.Printf("-- snapshot cursor=%d sites=%d --\n", snap.Cursor, len(snap.Sites))
					for _, s := range snap.Sites {
						fmt.Printf("  %s  %-18s v%d  %s\n", s.SiteID, engine.StatusLabel(s.Status), s.Version, s.Name)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default 2s)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              a.Config.Auth.JWTSecret,
				AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
			}
			if secret := os.Getenv("SITELINE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret (or SITELINE_JWT_SECRET) is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Broker:   sitesync.New(a.Engine.Repo),
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(a.Engine)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Siteline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Role management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacListCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				actorID := viper.GetString("actor-id")
				roles, err := auth.Service{DB: a.DB}.ActorRoles(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": actorID, "roles": roles})
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.GrantRole(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "operator or assessor")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.RevokeRole(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "operator or assessor")
	return cmd
}

func rbacListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List role grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				grants, err := a.Engine.Repo.ListRoleGrants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Roles"})
				for actor, roles := range grants {
					tw.AppendRow(table.Row{actor, strings.Join(roles, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				key, plaintext, err := a.Engine.CreateAPIKey(ctx, actor, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plaintext})
				}
				fmt.Printf("API key for %s (id %s):\n%s\n", key.ActorID, key.ID, plaintext)
				fmt.Println("Store it now; only the hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.LoadOrDefault(viper.GetString("workspace"), "siteline")
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// resolveSite accepts either the record id or the human site code.
func resolveSite(ctx context.Context, e engine.Engine, ref string) (domain.Site, error) {
	s, err := e.GetSite(ctx, ref)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Site{}, err
	}
	s, err = e.Repo.GetSiteByCode(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Site{}, fmt.Errorf("no site with id or code %q: %w", ref, repo.ErrNotFound)
	}
	return s, err
}

// resolveCLIRole picks the acting role: an explicit --role must be held
// unless the actor has no grants at all, in which case the local
// single-user workspace falls back to whatever the action needs.
func resolveCLIRole(ctx context.Context, a *app.Context, action engine.Action) (string, error) {
	actorID := viper.GetString("actor-id")
	requested := viper.GetString("role")
	svc := auth.Service{DB: a.DB}
	held, err := svc.ActorRoles(ctx, actorID)
	if err != nil {
		return "", err
	}
	if len(held) == 0 {
		if requested != "" {
			return requested, nil
		}
		return engine.RequiredRole(action), nil
	}
	return auth.Resolve(actorID, requested, held)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
