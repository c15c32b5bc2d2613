package driver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"precip/internal/registry"
)

// GCEConfig is the constructor bundle for the Google Compute Engine
// backend. Credentials are obtained from the ambient environment
// (GOOGLE_APPLICATION_CREDENTIALS or the metadata server), never passed
// in directly.
type GCEConfig struct {
	Project string
	Zone    string
	User    string
}

// GCEDriver drives Google Compute Engine. Readiness is derived from the
// zone-operation that the launch request returned; once the operation is
// DONE the driver also requires the instance to expose an external NAT
// IP before reporting it Ready.
type GCEDriver struct {
	cfg GCEConfig
	svc *compute.Service

	// handle -> operation name, recorded at StartOne time so PollReady
	// can look the operation back up without the caller threading it
	// through. Guarded by mu since the engine issues StartOne for every
	// instance from its own goroutine.
	mu  sync.Mutex
	ops map[string]string
}

var _ Driver = (*GCEDriver)(nil)

// NewGCEDriver builds a GCEDriver using application default credentials.
func NewGCEDriver(ctx context.Context, cfg GCEConfig) (*GCEDriver, error) {
	if cfg.Project == "" || cfg.Zone == "" {
		return nil, fmt.Errorf("project and zone are required")
	}
	creds, err := google.FindDefaultCredentials(ctx, compute.ComputeScope)
	if err != nil {
		return nil, fmt.Errorf("resolving application default credentials: %w", err)
	}
	svc, err := compute.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("creating compute service: %w", err)
	}
	return &GCEDriver{cfg: cfg, svc: svc, ops: make(map[string]string)}, nil
}

func (d *GCEDriver) Name() string { return "gce" }

func (d *GCEDriver) Capabilities() Capabilities {
	return Capabilities{
		MaxTags:       0,
		AdminUser:     d.cfg.User,
		BootstrapPath: "/tmp/vm-bootstrap.sh",
		ProbeFQDN:     true,
	}
}

// PrepareAccount merges the account's SSH public key into the project's
// common instance metadata under the "sshKeys" key, idempotently.
func (d *GCEDriver) PrepareAccount(ctx context.Context, uid, publicKeyPath string) error {
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	entry := fmt.Sprintf("%s:%s", d.cfg.User, strings.TrimSpace(string(pubBytes)))

	proj, err := d.svc.Projects.Get(d.cfg.Project).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get project metadata: %w", err)
	}

	md := proj.CommonInstanceMetadata
	if md == nil {
		md = &compute.Metadata{}
	}

	found := false
	needUpdate := false
	for _, item := range md.Items {
		if item.Key != "sshKeys" {
			continue
		}
		found = true
		val := ""
		if item.Value != nil {
			val = *item.Value
		}
		if !strings.Contains(val, entry) {
			val = val + "\n" + entry
			item.Value = &val
			needUpdate = true
		}
	}
	if !found {
		md.Items = append(md.Items, &compute.MetadataItems{Key: "sshKeys", Value: &entry})
		needUpdate = true
	}

	if !needUpdate {
		return nil
	}

	_, err = d.svc.Projects.SetCommonInstanceMetadata(d.cfg.Project, md).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("set common instance metadata: %w", err)
	}
	return nil
}

// StartOne inserts a new instance and records the insert operation's name
// as the handle's poll key; the handle itself is the instance name so
// later calls (Addresses, Terminate) can address the instance directly.
func (d *GCEDriver) StartOne(ctx context.Context, params registry.LaunchParams) (string, error) {
	name := params.Extra["name"]
	if name == "" {
		return "", fmt.Errorf("launch params missing instance name")
	}

	inst := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", d.cfg.Zone, params.Size),
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: params.Image,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: "global/networks/default",
			AccessConfigs: []*compute.AccessConfig{{
				Type: "ONE_TO_ONE_NAT",
				Name: "External NAT",
			}},
		}},
		Tags: &compute.Tags{Items: dedupe(params.Tags)},
	}

	op, err := d.svc.Instances.Insert(d.cfg.Project, d.cfg.Zone, inst).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("instances.insert: %w", err)
	}

	d.mu.Lock()
	d.ops[name] = op.Name
	d.mu.Unlock()
	return name, nil
}

func (d *GCEDriver) PollReady(ctx context.Context, handle string) (PollOutcome, error) {
	d.mu.Lock()
	opName, ok := d.ops[handle]
	d.mu.Unlock()
	if !ok {
		// Retry path: no pending insert operation, assume the instance
		// already exists and is simply being checked again.
		return PollOutcome{Status: StatusReady}, nil
	}

	op, err := d.svc.ZoneOperations.Get(d.cfg.Project, d.cfg.Zone, opName).Context(ctx).Do()
	if err != nil {
		return PollOutcome{Status: StatusPending}, nil
	}

	if op.Error != nil && len(op.Error.Errors) > 0 {
		return PollOutcome{Status: StatusError, Err: fmt.Errorf("%s: %s", op.Error.Errors[0].Code, op.Error.Errors[0].Message)}, nil
	}
	if op.Status != "DONE" {
		return PollOutcome{Status: StatusPending}, nil
	}

	inst, err := d.svc.Instances.Get(d.cfg.Project, d.cfg.Zone, handle).Context(ctx).Do()
	if err != nil || len(inst.NetworkInterfaces) == 0 ||
		len(inst.NetworkInterfaces[0].AccessConfigs) == 0 ||
		inst.NetworkInterfaces[0].AccessConfigs[0].NatIP == "" {
		return PollOutcome{Status: StatusPending}, nil
	}

	d.mu.Lock()
	delete(d.ops, handle)
	d.mu.Unlock()
	return PollOutcome{Status: StatusReady}, nil
}

func (d *GCEDriver) Addresses(ctx context.Context, handle string) (public, private string, err error) {
	inst, err := d.svc.Instances.Get(d.cfg.Project, d.cfg.Zone, handle).Context(ctx).Do()
	if err != nil {
		return "", "", fmt.Errorf("instances.get: %w", err)
	}
	if len(inst.NetworkInterfaces) == 0 || len(inst.NetworkInterfaces[0].AccessConfigs) == 0 {
		return "", "", fmt.Errorf("instance %s has no external NAT configured", handle)
	}
	public = inst.NetworkInterfaces[0].AccessConfigs[0].NatIP
	private = inst.NetworkInterfaces[0].NetworkIP
	return public, private, nil
}

func (d *GCEDriver) Terminate(ctx context.Context, handle string) error {
	_, err := d.svc.Instances.Delete(d.cfg.Project, d.cfg.Zone, handle).Context(ctx).Do()
	if err != nil && !strings.Contains(err.Error(), "notFound") {
		return fmt.Errorf("instances.delete: %w", err)
	}
	return nil
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
