package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/racelog/internal/analysis"
	"github.com/kalambet/racelog/internal/api"
	"github.com/kalambet/racelog/internal/archive"
	"github.com/kalambet/racelog/internal/config"
	"github.com/kalambet/racelog/internal/identity"
	"github.com/kalambet/racelog/internal/storage"
)

// --- analyze ---

// analyzeOptions are the notes attached when --save is given.
type analyzeOptions struct {
	Save       bool
	Shoes      string
	Supplement string
	Note       string
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Read a race certificate and show the extracted result",
	Long: `Upload a certificate image or PDF to the running server for analysis.

Examples:
  racelog analyze ./certificate.jpg
  racelog analyze ./certificate.pdf --save --shoes "Brand X" --supplement "gel x3"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts analyzeOptions
		opts.Save, _ = cmd.Flags().GetBool("save")
		opts.Shoes, _ = cmd.Flags().GetString("shoes")
		opts.Supplement, _ = cmd.Flags().GetString("supplement")
		opts.Note, _ = cmd.Flags().GetString("note")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAnalyze(cmd.Context(), client, cmd.OutOrStdout(), args[0], opts)
	},
}

func init() {
	analyzeCmd.Flags().Bool("save", false, "save the result to your archive")
	analyzeCmd.Flags().String("shoes", "", "shoes worn (with --save)")
	analyzeCmd.Flags().String("supplement", "", "supplements taken (with --save)")
	analyzeCmd.Flags().String("note", "", "free-form note (with --save)")
}

// mimeForFile prefers the extension and falls back to content sniffing.
func mimeForFile(path string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt
		}
	}
	return analysis.DetectMIME(data)
}

func runAnalyze(ctx context.Context, client *apiClient, w io.Writer, path string, opts analyzeOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading certificate: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%s is empty", path)
	}

	printStep("Analyzing %s...", filepath.Base(path))
	resp, err := client.post(ctx, "/analyze", api.AnalyzeRequest{
		Image:    base64.StdEncoding.EncodeToString(data),
		MimeType: mimeForFile(path, data),
	})
	if err != nil {
		return err
	}
	var result api.AnalyzeResponse
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printForm(w, result.Form)

	if !opts.Save {
		if client.token == "" {
			printWarning("Not logged in: the result was filed under %q", result.Form.AthleteName)
		}
		return nil
	}
	if client.token == "" {
		return fmt.Errorf("--save needs a login; run racelog login --token <token>")
	}

	req := api.SaveRequest{Fields: result.Form.Fields}
	req.Equipment = opts.Shoes
	req.Supplement = opts.Supplement
	req.Note = opts.Note
	resp, err = client.post(ctx, "/archives", req)
	if err != nil {
		return err
	}
	var saved storage.Archive
	if err := decodeJSON(resp, &saved); err != nil {
		return err
	}
	printSuccess("Saved archive %s", saved.ID)
	return nil
}

func printForm(w io.Writer, f archive.Form) {
	if f.ID != "" {
		printField(w, "ID", f.ID)
	}
	printField(w, "Athlete", f.AthleteName)
	printField(w, "Event", f.EventName)
	printField(w, "Date", f.EventDate)
	printField(w, "Time", f.FinishTime)
	printField(w, "Course", f.CourseFeatures)
	printField(w, "Weather", f.WeatherInfo)
	if f.Equipment != "" || f.Supplement != "" || f.Note != "" {
		printField(w, "Shoes", f.Equipment)
		printField(w, "Supplement", f.Supplement)
		printField(w, "Note", f.Note)
	}
}

// --- archives ---

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List, show, edit or delete archived races",
}

var archivesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived races, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		list, err := fetchArchives(cmd.Context(), client, name)
		if err != nil {
			return err
		}
		printArchives(cmd.OutOrStdout(), list)
		return nil
	},
}

var archivesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one archived race",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		a, err := fetchArchive(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		printField(w, "ID", a.ID)
		printField(w, "Athlete", a.AthleteName)
		printField(w, "Event", a.EventName)
		printField(w, "Date", a.EventDate)
		printField(w, "Time", a.FinishTime)
		printField(w, "Course", a.CourseFeatures)
		printField(w, "Weather", a.WeatherInfo)
		printField(w, "Shoes", a.Equipment)
		printField(w, "Supplement", a.Supplement)
		printField(w, "Note", a.Note)
		printField(w, "Created", a.CreatedAt.Local().Format(time.DateTime))
		if !a.UpdatedAt.IsZero() {
			printField(w, "Updated", a.UpdatedAt.Local().Format(time.DateTime))
		}
		if a.CertificateKey != "" {
			printField(w, "Certificate", "/archives/"+a.ID+"/certificate")
		}
		return nil
	},
}

// editFlags maps archives edit flags onto patch fields.
var editFlags = []struct {
	flag  string
	usage string
	field func(p *api.ArchivePatch) **string
}{
	{"athlete", "athlete name", func(p *api.ArchivePatch) **string { return &p.AthleteName }},
	{"event", "event name", func(p *api.ArchivePatch) **string { return &p.EventName }},
	{"date", "event date", func(p *api.ArchivePatch) **string { return &p.EventDate }},
	{"time", "finish time label, e.g. 3時間45分10秒", func(p *api.ArchivePatch) **string { return &p.FinishTime }},
	{"course", "course features", func(p *api.ArchivePatch) **string { return &p.CourseFeatures }},
	{"weather", "weather", func(p *api.ArchivePatch) **string { return &p.WeatherInfo }},
	{"shoes", "shoes worn", func(p *api.ArchivePatch) **string { return &p.Equipment }},
	{"supplement", "supplements taken", func(p *api.ArchivePatch) **string { return &p.Supplement }},
	{"note", "free-form note", func(p *api.ArchivePatch) **string { return &p.Note }},
}

var archivesEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Update fields of an archived race",
	Long: `Update fields of an archived race. Only the flags you pass are changed;
pass an empty value to clear a field.

Example:
  racelog archives edit <id> --shoes "Brand Y" --note "new insoles"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, changed := patchFromFlags(cmd)
		if !changed {
			return fmt.Errorf("nothing to change; pass at least one of --%s", strings.Join(editFlagNames(), ", --"))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/archives/"+url.PathEscape(args[0]), patch)
		if err != nil {
			return err
		}
		var a storage.Archive
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printSuccess("Updated archive %s", a.ID)
		return nil
	},
}

func patchFromFlags(cmd *cobra.Command) (api.ArchivePatch, bool) {
	var p api.ArchivePatch
	changed := false
	for _, f := range editFlags {
		if !cmd.Flags().Changed(f.flag) {
			continue
		}
		v, _ := cmd.Flags().GetString(f.flag)
		*f.field(&p) = &v
		changed = true
	}
	return p, changed
}

func editFlagNames() []string {
	names := make([]string, len(editFlags))
	for i, f := range editFlags {
		names[i] = f.flag
	}
	return names
}

var archivesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Permanently delete an archived race",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runDelete(cmd.Context(), client, cmd.InOrStdin(), cmd.OutOrStdout(), args[0], yes)
	},
}

func init() {
	archivesListCmd.Flags().String("name", "", "list records filed under an athlete name instead of your own")
	for _, f := range editFlags {
		archivesEditCmd.Flags().String(f.flag, "", f.usage)
	}
	archivesDeleteCmd.Flags().Bool("yes", false, "skip the confirmation prompt")

	archivesCmd.AddCommand(archivesListCmd)
	archivesCmd.AddCommand(archivesShowCmd)
	archivesCmd.AddCommand(archivesEditCmd)
	archivesCmd.AddCommand(archivesDeleteCmd)
}

func fetchArchives(ctx context.Context, client *apiClient, name string) ([]storage.Archive, error) {
	path := "/archives"
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var list []storage.Archive
	if err := decodeJSON(resp, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func fetchArchive(ctx context.Context, client *apiClient, id string) (storage.Archive, error) {
	resp, err := client.get(ctx, "/archives/"+url.PathEscape(id))
	if err != nil {
		return storage.Archive{}, err
	}
	var a storage.Archive
	if err := decodeJSON(resp, &a); err != nil {
		return storage.Archive{}, err
	}
	return a, nil
}

func printArchives(w io.Writer, list []storage.Archive) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No archives found.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tDATE\tEVENT\tTIME\tSHOES")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			colorize(colorCyan, shortID(a.ID)),
			a.EventDate,
			truncate(a.EventName, 30),
			a.FinishTime,
			truncate(a.Equipment, 20),
		)
	}
	tw.Flush()
}

// runDelete asks the user to type the archive's event name (or its id when
// the event is blank) before deleting, unless yes is set.
func runDelete(ctx context.Context, client *apiClient, in io.Reader, w io.Writer, id string, yes bool) error {
	a, err := fetchArchive(ctx, client, id)
	if err != nil {
		return err
	}

	if !yes {
		want := strings.TrimSpace(a.EventName)
		if want == "" {
			want = a.ID
		}
		fmt.Fprintf(w, "This permanently deletes %s (%s, %s).\n", a.ID, a.EventName, a.FinishTime)
		fmt.Fprintf(w, "Type %q to confirm: ", want)
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading confirmation: %w", err)
		}
		if strings.TrimSpace(line) != want {
			printWarning("Confirmation did not match; nothing deleted")
			return nil
		}
	}

	// The listing is taken first so the remaining count needs no second fetch.
	list, listErr := fetchArchives(ctx, client, "")

	resp, err := client.delete(ctx, "/archives/"+url.PathEscape(a.ID))
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	printSuccess("Deleted archive %s", a.ID)
	if listErr == nil {
		fmt.Fprintf(w, "%d archives remaining\n", len(archive.RemoveArchive(list, a.ID)))
	}
	return nil
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Race count and best finish time per shoe",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/stats/equipment"
		if name != "" {
			path += "?name=" + url.QueryEscape(name)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var entries []api.EquipmentEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		printEquipment(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("name", "", "aggregate records filed under an athlete name instead of your own")
}

func printEquipment(w io.Writer, entries []api.EquipmentEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No archives found.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SHOES\tRACES\tBEST")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", colorize(colorBold, e.Label), e.Count, e.BestTime)
	}
	tw.Flush()
}

// --- login / token ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the token the CLI sends to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("--token is required")
		}
		if err := config.SetSecret(config.AccountCLIToken, token); err != nil {
			return fmt.Errorf("storing token: %w", err)
		}
		printSuccess("Token stored")

		client, err := newAPIClient()
		if err != nil {
			return nil
		}
		client.token = token
		id, err := whoAmI(cmd.Context(), client)
		if err != nil {
			printWarning("Could not confirm the token with the server: %v", err)
			return nil
		}
		printSuccess("Logged in as %s", describeIdentity(id))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored CLI token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DeleteSecret(config.AccountCLIToken); err != nil {
			return fmt.Errorf("removing token: %w", err)
		}
		printSuccess("Token removed; requests are anonymous now")
		if os.Getenv("RACELOG_AUTH_TOKEN") != "" {
			printWarning("RACELOG_AUTH_TOKEN is still set and takes precedence")
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().String("token", "", "bearer token issued for you")
}

func whoAmI(ctx context.Context, client *apiClient) (identity.Identity, error) {
	resp, err := client.get(ctx, "/whoami")
	if err != nil {
		return identity.Identity{}, err
	}
	var id identity.Identity
	if err := decodeJSON(resp, &id); err != nil {
		return identity.Identity{}, err
	}
	return id, nil
}

func describeIdentity(id identity.Identity) string {
	if id.DisplayName == "" {
		return id.OwnerID
	}
	return fmt.Sprintf("%s (%s)", id.DisplayName, id.OwnerID)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint a token signed with auth.jwt_secret",
	Long: `Mint a bearer token for an owner id. The token is signed with the server's
auth.jwt_secret, so this only works where that secret is available.

Example:
  racelog token issue --owner U1 --name "Runner One" --ttl 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := issueToken(cfg, identity.Identity{OwnerID: owner, DisplayName: name}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().String("owner", "", "owner id (token subject)")
	tokenIssueCmd.Flags().String("name", "", "display name")
	tokenIssueCmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime")
	tokenCmd.AddCommand(tokenIssueCmd)
}

func issueToken(cfg config.Config, id identity.Identity, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", fmt.Errorf("auth.jwt_secret is not set (set RACELOG_AUTH_JWT_SECRET)")
	}
	v, err := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return "", err
	}
	return v.Issue(id, ttl)
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Export stored archives",
}

var dataExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export your archives as JSONL or YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		format, _ := cmd.Flags().GetString("format")
		name, _ := cmd.Flags().GetString("name")

		if format != "jsonl" && format != "yaml" {
			return fmt.Errorf("unknown format %q (want jsonl or yaml)", format)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		list, err := fetchArchives(cmd.Context(), client, name)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if err := exportArchives(w, list, format); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d archives to %s", len(list), output)
		}
		return nil
	},
}

func init() {
	dataExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	dataExportCmd.Flags().String("format", "jsonl", "jsonl or yaml")
	dataExportCmd.Flags().String("name", "", "export records filed under an athlete name instead of your own")
	dataCmd.AddCommand(dataExportCmd)
}

// exportRecord is the export shape of an archive. FinishSeconds is derived
// and omitted when the label does not parse.
type exportRecord struct {
	ID             string    `json:"id" yaml:"id"`
	OwnerID        string    `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	AthleteName    string    `json:"athlete_name" yaml:"athlete_name"`
	EventName      string    `json:"event_name" yaml:"event_name"`
	EventDate      string    `json:"event_date" yaml:"event_date"`
	FinishTime     string    `json:"finish_time" yaml:"finish_time"`
	FinishSeconds  *int64    `json:"finish_seconds,omitempty" yaml:"finish_seconds,omitempty"`
	CourseFeatures string    `json:"course_features" yaml:"course_features"`
	WeatherInfo    string    `json:"weather_info" yaml:"weather_info"`
	Equipment      string    `json:"equipment" yaml:"equipment"`
	Supplement     string    `json:"supplement" yaml:"supplement"`
	Note           string    `json:"note" yaml:"note"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

func toExportRecord(a storage.Archive) exportRecord {
	r := exportRecord{
		ID:             a.ID,
		OwnerID:        a.OwnerID,
		AthleteName:    a.AthleteName,
		EventName:      a.EventName,
		EventDate:      a.EventDate,
		FinishTime:     a.FinishTime,
		CourseFeatures: a.CourseFeatures,
		WeatherInfo:    a.WeatherInfo,
		Equipment:      a.Equipment,
		Supplement:     a.Supplement,
		Note:           a.Note,
		CreatedAt:      a.CreatedAt,
	}
	if secs := a.FinishSeconds(); !secs.IsInfinite() {
		v := int64(secs)
		r.FinishSeconds = &v
	}
	return r
}

func exportArchives(w io.Writer, list []storage.Archive, format string) error {
	records := make([]exportRecord, len(list))
	for i, a := range list {
		records[i] = toExportRecord(a)
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("encoding jsonl: %w", err)
			}
		}
		return nil
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			source := k.Source
			if source == config.SourceEnv {
				source = k.EnvVar
			}
			fmt.Fprintf(w, "  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+source+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
