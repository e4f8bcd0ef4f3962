package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dukerupert/resellr/internal/client"
	"github.com/dukerupert/resellr/internal/model"
)

var remoteCommands = map[string]func(args []string, out io.Writer) error{
	"activate":  activate,
	"redeem":    redeem,
	"license":   showLicense,
	"licenses":  listLicenses,
	"replenish": replenish,
}

type remoteFlags struct {
	baseURL *string
	token   *string
}

func newRemoteFlags(name string) (*flag.FlagSet, remoteFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs, remoteFlags{
		baseURL: fs.String("url", envOr("RESELLR_URL", "http://localhost:8080"), "server base URL"),
		token:   fs.String("token", os.Getenv("RESELLR_TOKEN"), "bearer token"),
	}
}

func (rf remoteFlags) client(name string) (*client.Client, error) {
	if *rf.token == "" {
		return nil, fmt.Errorf("%s: -token or RESELLR_TOKEN is required", name)
	}
	return client.NewClient(client.Config{BaseURL: *rf.baseURL, Token: *rf.token, MaxRetries: 3}), nil
}

func remoteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// activate consumes a license seat on a remote server and prints the result.
func activate(args []string, out io.Writer) error {
	fs, rf := newRemoteFlags("activate")
	key := fs.String("key", "", "license key")
	emailAddr := fs.String("email", "", "end-user email")
	name := fs.String("name", "", "end-user name")
	phone := fs.String("phone", "", "end-user phone")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" || *emailAddr == "" {
		return errors.New("activate: -key and -email are required")
	}
	c, err := rf.client("activate")
	if err != nil {
		return err
	}
	ctx, cancel := remoteContext()
	defer cancel()

	res, err := c.Activate(ctx, client.ActivateRequest{
		LicenseKey:   *key,
		EndUserEmail: *emailAddr,
		EndUserName:  *name,
		EndUserPhone: *phone,
	})
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

// redeem opens a partner reseller with one of the caller's seed licenses.
func redeem(args []string, out io.Writer) error {
	fs, rf := newRemoteFlags("redeem")
	key := fs.String("key", "", "single-seat license key")
	master := fs.Int64("master", 0, "master account id (defaults to the caller)")
	name := fs.String("name", "", "partner name")
	emailAddr := fs.String("email", "", "partner email")
	phone := fs.String("phone", "", "partner phone")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" || *name == "" || *emailAddr == "" {
		return errors.New("redeem: -key, -name and -email are required")
	}
	c, err := rf.client("redeem")
	if err != nil {
		return err
	}
	ctx, cancel := remoteContext()
	defer cancel()

	res, err := c.RedeemForNewReseller(ctx, *key, *master, client.Partner{Name: *name, Email: *emailAddr, Phone: *phone})
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func showLicense(args []string, out io.Writer) error {
	fs, rf := newRemoteFlags("license")
	key := fs.String("key", "", "license key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("license: -key is required")
	}
	c, err := rf.client("license")
	if err != nil {
		return err
	}
	ctx, cancel := remoteContext()
	defer cancel()

	l, err := c.License(ctx, *key)
	if err != nil {
		return err
	}
	return printJSON(out, l)
}

// listLicenses prints the caller's licenses, or owner's for admins, as a table.
func listLicenses(args []string, out io.Writer) error {
	fs, rf := newRemoteFlags("licenses")
	owner := fs.Int64("owner", 0, "owner account id (admins only)")
	status := fs.String("status", "", "filter by status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := rf.client("licenses")
	if err != nil {
		return err
	}
	ctx, cancel := remoteContext()
	defer cancel()

	licenses, err := c.Licenses(ctx, *owner, model.LicenseStatus(strings.ToUpper(*status)))
	if err != nil {
		return err
	}
	return writeLicenseTable(out, licenses)
}

func writeLicenseTable(w io.Writer, licenses []model.License) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tUSED\tREMAINING\tSOURCE\tEXPIRES")
	for i := range licenses {
		l := &licenses[i]
		expires := "-"
		if l.ExpiresAt != nil {
			expires = l.ExpiresAt.Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			l.Key, l.Status, l.UsageCount, l.Capacity, l.Remaining(), l.Source, expires)
	}
	return tw.Flush()
}

// replenish files a replenishment request for the calling reseller.
func replenish(args []string, out io.Writer) error {
	fs, rf := newRemoteFlags("replenish")
	quantity := fs.Int("quantity", 0, "licenses to request (0 for the default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := rf.client("replenish")
	if err != nil {
		return err
	}
	ctx, cancel := remoteContext()
	defer cancel()

	req, err := c.RequestReplenishment(ctx, *quantity)
	if err != nil {
		return err
	}
	return printJSON(out, req)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
