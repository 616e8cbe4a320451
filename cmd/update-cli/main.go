package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/util/hashing"
)

const defaultServer = "http://localhost:8080"

var httpClient = &http.Client{Timeout: 30 * time.Minute}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "check":
		cmdCheck(args)
	case "changes":
		cmdChanges(args)
	case "download":
		cmdDownload(args)
	case "refresh":
		cmdRefresh(args)
	case "purge":
		cmdPurge(args)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Servarr update CLI

Usage:
  update-cli check <branch> --version <installed> [options]
  update-cli changes <branch> [options]
  update-cli download <branch> [--version <exact>] [--output FILE] [options]
  update-cli refresh <github|azure|appveyor> --api-key KEY [--server URL]
  update-cli purge <branch> --api-key KEY [--server URL]

Options:
  --server <url>            Server URL (default: http://localhost:8080)
  --os <name>               windows, linux, linuxmusl, osx, bsd
  --runtime <name>          dotnet, netcore, mono
  --arch <name>             x86, x64, arm, arm64
  --runtime-version <ver>   installed runtime version`)
}

// platform holds the flags shared by the update commands.
type platform struct {
	server         string
	os             string
	runtime        string
	arch           string
	runtimeVersion string
}

func platformFlags(fs *flag.FlagSet) *platform {
	p := &platform{}
	fs.StringVar(&p.server, "server", defaultServer, "server URL")
	fs.StringVar(&p.os, "os", "", "operating system")
	fs.StringVar(&p.runtime, "runtime", "", "runtime")
	fs.StringVar(&p.arch, "arch", "", "architecture")
	fs.StringVar(&p.runtimeVersion, "runtime-version", "", "installed runtime version")
	return p
}

func (p *platform) query(installed string) url.Values {
	q := url.Values{}
	for key, value := range map[string]string{
		"version":    installed,
		"os":         p.os,
		"runtime":    p.runtime,
		"arch":       p.arch,
		"runtimeVer": p.runtimeVersion,
	} {
		if value != "" {
			q.Set(key, value)
		}
	}
	return q
}

// parse parses args and returns exactly n positional arguments.
func parse(fs *flag.FlagSet, args []string, n int, usage string) []string {
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if fs.NArg() != n {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}
	return fs.Args()
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	p := platformFlags(fs)
	installed := fs.String("version", "", "installed version")
	pos := parse(fs, args, 1, "update-cli check <branch> --version <installed> [options]")

	var result struct {
		models.UpdatePackageContainer
		models.ValidationResponse
	}
	getJSON(updateURL(p.server, pos[0], "", p.query(*installed)), &result)
	exitOnValidation(result.ErrorMessage)

	if !result.Available {
		fmt.Printf("%s is up to date on %s.\n", *installed, pos[0])
		return
	}
	pkg := result.UpdatePackage
	fmt.Printf("Update available: %s -> %s\n", *installed, pkg.Version)
	printPackage(*pkg)
}

func cmdChanges(args []string) {
	fs := flag.NewFlagSet("changes", flag.ExitOnError)
	p := platformFlags(fs)
	pos := parse(fs, args, 1, "update-cli changes <branch> [options]")

	packages := fetchChanges(p, pos[0])
	if len(packages) == 0 {
		fmt.Printf("No releases on %s.\n", pos[0])
		return
	}
	for _, pkg := range packages {
		fmt.Printf("%s (%s)\n", pkg.Version, pkg.ReleaseDate.Format("2006-01-02"))
		if pkg.Changes == nil {
			continue
		}
		for _, line := range pkg.Changes.New {
			fmt.Printf("  + %s\n", line)
		}
		for _, line := range pkg.Changes.Fixed {
			fmt.Printf("  * %s\n", line)
		}
	}
}

func cmdDownload(args []string) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	p := platformFlags(fs)
	exact := fs.String("version", "", "exact version to download (default: latest)")
	output := fs.StringP("output", "o", "", "output file (default: the package file name)")
	pos := parse(fs, args, 1, "update-cli download <branch> [--version <exact>] [--output FILE] [options]")

	var pkg *models.UpdatePackage
	for _, candidate := range fetchChanges(p, pos[0]) {
		if *exact == "" || candidate.Version == *exact {
			c := candidate
			pkg = &c
			break
		}
	}
	if pkg == nil {
		fmt.Fprintf(os.Stderr, "error: no matching release on %s\n", pos[0])
		os.Exit(1)
	}

	target := *output
	if target == "" {
		target = pkg.Filename
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output directory: %v\n", err)
		os.Exit(1)
	}

	resp, err := httpClient.Get(pkg.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, formatHTTPError(resp))
		os.Exit(1)
	}

	tmpOutput := target + ".part"
	file, err := os.Create(tmpOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating output file: %v\n", err)
		os.Exit(1)
	}
	success := false
	defer func() {
		file.Close()
		if !success {
			_ = os.Remove(tmpOutput)
		}
	}()

	pw := &progressWriter{writer: file, total: resp.ContentLength, label: "Downloading"}

	start := time.Now()
	hash, n, err := hashing.ComputeSHA256(io.TeeReader(resp.Body, pw))
	fmt.Fprintln(os.Stderr) // newline after progress
	if err != nil {
		fmt.Fprintf(os.Stderr, "error downloading: %v\n", err)
		os.Exit(1)
	}
	if !hashing.Equal(hash, pkg.Hash) {
		fmt.Fprintf(os.Stderr, "error: hash mismatch: got %s, want %s\n", hash, pkg.Hash)
		os.Exit(1)
	}
	if err := file.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing downloaded file: %v\n", err)
		os.Exit(1)
	}
	if err := os.Rename(tmpOutput, target); err != nil {
		fmt.Fprintf(os.Stderr, "error finalizing output file: %v\n", err)
		os.Exit(1)
	}
	success = true

	fmt.Printf("Downloaded %s (%s) -> %s\n", pkg.Version, pos[0], target)
	fmt.Printf("  Hash:     %s (verified)\n", hash)
	fmt.Printf("  Size:     %s\n", formatBytes(n))
	fmt.Printf("  Duration: %v\n", time.Since(start).Round(time.Millisecond))
}

func cmdRefresh(args []string) {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	server := fs.String("server", defaultServer, "server URL")
	key := fs.String("api-key", "", "api key")
	pos := parse(fs, args, 1, "update-cli refresh <source> --api-key KEY [--server URL]")

	q := url.Values{"source": {pos[0]}, "api_key": {requireKey(*key)}}
	fmt.Println(postText(strings.TrimRight(*server, "/") + "/webhook/refresh?" + q.Encode()))
}

func cmdPurge(args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	server := fs.String("server", defaultServer, "server URL")
	key := fs.String("api-key", "", "api key")
	pos := parse(fs, args, 1, "update-cli purge <branch> --api-key KEY [--server URL]")

	q := url.Values{"api_key": {requireKey(*key)}}
	fmt.Println(postText(fmt.Sprintf("%s/webhook/branch/%s/refresh?%s",
		strings.TrimRight(*server, "/"), url.PathEscape(pos[0]), q.Encode())))
}

func requireKey(key string) string {
	if key == "" {
		fmt.Fprintln(os.Stderr, "error: --api-key is required")
		os.Exit(1)
	}
	return key
}

func fetchChanges(p *platform, branch string) []models.UpdatePackage {
	q := p.query("")
	var raw json.RawMessage
	getJSON(updateURL(p.server, branch, "changes", q), &raw)

	var v models.ValidationResponse
	if json.Unmarshal(raw, &v) == nil {
		exitOnValidation(v.ErrorMessage)
	}
	var packages []models.UpdatePackage
	if err := json.Unmarshal(raw, &packages); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
	return packages
}

func getJSON(u string, v any) {
	resp, err := httpClient.Get(u)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, formatHTTPError(resp))
		os.Exit(1)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
}

func postText(u string) string {
	resp, err := httpClient.Post(u, "", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, formatHTTPError(resp))
		os.Exit(1)
	}
	body, _ := io.ReadAll(resp.Body)
	return strings.TrimSpace(string(body))
}

func exitOnValidation(msg string) {
	if msg != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
		os.Exit(1)
	}
}

func printPackage(pkg models.UpdatePackage) {
	fmt.Printf("  File:     %s\n", pkg.Filename)
	fmt.Printf("  URL:      %s\n", pkg.URL)
	fmt.Printf("  Hash:     %s\n", pkg.Hash)
	fmt.Printf("  Released: %s\n", pkg.ReleaseDate.Format(time.RFC3339))
	if pkg.Changes != nil {
		fmt.Printf("  Changes:  %d new, %d fixed\n", len(pkg.Changes.New), len(pkg.Changes.Fixed))
	}
}

// progressWriter wraps a writer and prints progress.
type progressWriter struct {
	writer  io.Writer
	total   int64
	current int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.current += int64(n)
	pw.printProgress()
	return n, err
}

func (pw *progressWriter) printProgress() {
	if pw.total <= 0 {
		fmt.Fprintf(os.Stderr, "\r%s: %s", pw.label, formatBytes(pw.current))
		return
	}
	pct := float64(pw.current) / float64(pw.total) * 100
	barLen := 30
	filled := min(int(pct/100*float64(barLen)), barLen)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barLen-filled)
	fmt.Fprintf(os.Stderr, "\r%s: [%s] %.1f%% %s/%s", pw.label, bar, pct, formatBytes(pw.current), formatBytes(pw.total))
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func updateURL(server, branch, endpoint string, q url.Values) string {
	u := fmt.Sprintf("%s/update/%s", strings.TrimRight(server, "/"), url.PathEscape(branch))
	if endpoint != "" {
		u += "/" + endpoint
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func formatHTTPError(resp *http.Response) string {
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		return fmt.Sprintf("error (%d): %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return fmt.Sprintf("error (%d): %s", resp.StatusCode, payload.Message)
	}
	return fmt.Sprintf("error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
