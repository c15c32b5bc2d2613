package driver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"

	"precip/internal/registry"
)

// azureCLIClientID is the Azure CLI's well-known public application id,
// used as the app a username/password credential signs in through when
// the caller doesn't register an application of their own.
const azureCLIClientID = "04b07795-8ddb-461a-bbee-02f9e1bf7b46"

// AzureConfig is the constructor bundle for the Azure Resource Manager
// backend. The resource group, storage account, virtual network and
// subnet must already exist; this driver creates per-instance resources
// (public IP, NIC, VM) inside them but never the containers themselves.
type AzureConfig struct {
	SubscriptionID string
	TenantID       string
	Username       string
	Password       string
	// ClientID identifies the application the username/password signs in
	// through. Defaults to the Azure CLI's public client id.
	ClientID string

	AdminUser          string
	ResourceGroup      string
	StorageName        string
	VirtualNetworkName string
	SubnetName         string
	Location           string

	ImagePublisher string
	ImageOffer     string
	ImageSKU       string
	ImageVersion   string
	VMSize         string
}

// AzureDriver drives Azure Resource Manager virtual machines. A single
// StartOne call stages the instance's public IP and NIC (both fast ARM
// operations) and then fires the VM create without awaiting its poller,
// so the engine observes completion through PollReady like every other
// backend instead of Azure getting a bespoke blocking path.
type AzureDriver struct {
	cfg    AzureConfig
	vmCli  *armcompute.VirtualMachinesClient
	nicCli *armnetwork.InterfacesClient
	ipCli  *armnetwork.PublicIPAddressesClient

	// publicKey is captured by PrepareAccount; ARM takes the key material
	// directly in the VM create request rather than through a separate
	// keypair-registration call.
	mu        sync.Mutex
	publicKey string
}

var _ Driver = (*AzureDriver)(nil)

// NewAzureDriver builds an AzureDriver. When Username is set the driver
// authenticates with the tenant/username/password tuple; otherwise it
// falls back to the default credential chain (environment, managed
// identity, Azure CLI).
func NewAzureDriver(cfg AzureConfig) (*AzureDriver, error) {
	if cfg.SubscriptionID == "" || cfg.ResourceGroup == "" || cfg.Location == "" {
		return nil, fmt.Errorf("subscription_id, resource_group and location are required")
	}
	if cfg.VirtualNetworkName == "" || cfg.SubnetName == "" {
		return nil, fmt.Errorf("virtual_network_name and subnet_name are required")
	}
	if cfg.AdminUser == "" {
		cfg.AdminUser = "precip"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = azureCLIClientID
	}

	var cred azcore.TokenCredential
	var err error
	if cfg.Username != "" {
		cred, err = azidentity.NewUsernamePasswordCredential(cfg.TenantID, cfg.ClientID, cfg.Username, cfg.Password, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring azure credential: %w", err)
	}

	vmCli, err := armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating virtual machines client: %w", err)
	}
	nicCli, err := armnetwork.NewInterfacesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating network interfaces client: %w", err)
	}
	ipCli, err := armnetwork.NewPublicIPAddressesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating public ip addresses client: %w", err)
	}

	return &AzureDriver{cfg: cfg, vmCli: vmCli, nicCli: nicCli, ipCli: ipCli}, nil
}

func (d *AzureDriver) Name() string { return "azure" }

func (d *AzureDriver) Capabilities() Capabilities {
	return Capabilities{
		MaxTags:       15,
		AdminUser:     d.cfg.AdminUser,
		BootstrapPath: "/tmp/vm-bootstrap.sh",
	}
}

// PrepareAccount reads and caches the account's public key for StartOne.
// There is nothing to pre-stage against the subscription itself.
func (d *AzureDriver) PrepareAccount(ctx context.Context, uid, publicKeyPath string) error {
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	d.mu.Lock()
	d.publicKey = strings.TrimSpace(string(pubBytes))
	d.mu.Unlock()
	return nil
}

// Per-instance ARM resources are named deterministically from the handle
// so Addresses and Terminate need no shared lookup table across calls.
func nicName(handle string) string { return handle + "-nic" }
func pipName(handle string) string { return handle + "-ip" }

// subnetID renders the full ARM resource id of the configured subnet.
func (d *AzureDriver) subnetID() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/virtualNetworks/%s/subnets/%s",
		d.cfg.SubscriptionID, d.cfg.ResourceGroup, d.cfg.VirtualNetworkName, d.cfg.SubnetName)
}

// StartOne stages the instance's public IP (unless PrivateOnly) and NIC,
// then begins the VM create without awaiting its poller. The handle is
// the VM name; PollReady re-queries the instance view by name, since the
// engine may poll from a different goroutine than the one that launched.
func (d *AzureDriver) StartOne(ctx context.Context, params registry.LaunchParams) (string, error) {
	name := params.Extra["name"]
	if name == "" {
		return "", fmt.Errorf("launch params missing instance name")
	}

	d.mu.Lock()
	publicKey := d.publicKey
	d.mu.Unlock()
	if publicKey == "" {
		return "", fmt.Errorf("account not prepared: no public key registered")
	}

	var pipID *string
	if !params.PrivateOnly {
		pipPoller, err := d.ipCli.BeginCreateOrUpdate(ctx, d.cfg.ResourceGroup, pipName(name), armnetwork.PublicIPAddress{
			Location: to.Ptr(d.cfg.Location),
			Properties: &armnetwork.PublicIPAddressPropertiesFormat{
				PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodStatic),
			},
		}, nil)
		if err != nil {
			return "", fmt.Errorf("create public ip: %w", err)
		}
		pipResp, err := pipPoller.PollUntilDone(ctx, nil)
		if err != nil {
			return "", fmt.Errorf("create public ip: %w", err)
		}
		pipID = pipResp.ID
	}

	ipConfig := &armnetwork.InterfaceIPConfiguration{
		Name: to.Ptr("primary"),
		Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
			Subnet:                    &armnetwork.Subnet{ID: to.Ptr(d.subnetID())},
			PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
		},
	}
	if pipID != nil {
		ipConfig.Properties.PublicIPAddress = &armnetwork.PublicIPAddress{ID: pipID}
	}

	nicPoller, err := d.nicCli.BeginCreateOrUpdate(ctx, d.cfg.ResourceGroup, nicName(name), armnetwork.Interface{
		Location: to.Ptr(d.cfg.Location),
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{ipConfig},
		},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("create network interface: %w", err)
	}
	nicResp, err := nicPoller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("create network interface: %w", err)
	}

	size := params.Size
	if size == "" {
		size = d.cfg.VMSize
	}

	imageRef := &armcompute.ImageReference{
		Publisher: to.Ptr(d.cfg.ImagePublisher),
		Offer:     to.Ptr(d.cfg.ImageOffer),
		SKU:       to.Ptr(d.cfg.ImageSKU),
		Version:   to.Ptr(d.cfg.ImageVersion),
	}
	if params.Image != "" {
		// A non-empty image in the launch params is a full ARM image
		// resource id, overriding the configured marketplace image.
		imageRef = &armcompute.ImageReference{ID: to.Ptr(params.Image)}
	}

	vm := armcompute.VirtualMachine{
		Location: to.Ptr(d.cfg.Location),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(size)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: imageRef,
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(name),
				AdminUsername: to.Ptr(d.cfg.AdminUser),
				LinuxConfiguration: &armcompute.LinuxConfiguration{
					DisablePasswordAuthentication: to.Ptr(true),
					SSH: &armcompute.SSHConfiguration{
						PublicKeys: []*armcompute.SSHPublicKey{{
							Path:    to.Ptr(fmt.Sprintf("/home/%s/.ssh/authorized_keys", d.cfg.AdminUser)),
							KeyData: to.Ptr(publicKey),
						}},
					},
				},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{ID: nicResp.ID}},
			},
		},
		Tags: tagMap(params.Tags, d.Capabilities().MaxTags),
	}

	if d.cfg.StorageName != "" {
		vm.Properties.DiagnosticsProfile = &armcompute.DiagnosticsProfile{
			BootDiagnostics: &armcompute.BootDiagnostics{
				Enabled:    to.Ptr(true),
				StorageURI: to.Ptr(fmt.Sprintf("https://%s.blob.core.windows.net/", d.cfg.StorageName)),
			},
		}
	}

	if _, err := d.vmCli.BeginCreateOrUpdate(ctx, d.cfg.ResourceGroup, name, vm, nil); err != nil {
		return "", fmt.Errorf("begin create vm: %w", err)
	}
	return name, nil
}

// PollReady reports Ready once ARM's instance view shows a running power
// state; a provisioning failure is surfaced as Error so the engine can
// delete and relaunch through its uniform retry path.
func (d *AzureDriver) PollReady(ctx context.Context, handle string) (PollOutcome, error) {
	resp, err := d.vmCli.InstanceView(ctx, d.cfg.ResourceGroup, handle, nil)
	if err != nil {
		return PollOutcome{Status: StatusPending}, nil
	}

	for _, s := range resp.Statuses {
		if s.Code == nil {
			continue
		}
		code := *s.Code
		switch {
		case strings.Contains(code, "ProvisioningState/failed"):
			return PollOutcome{Status: StatusError, Err: fmt.Errorf("vm %s provisioning failed", handle)}, nil
		case strings.Contains(code, "PowerState/running"):
			return PollOutcome{Status: StatusReady}, nil
		}
	}
	return PollOutcome{Status: StatusPending}, nil
}

// Addresses walks the VM's NIC to its private IP and, if one is
// attached, the associated public-IP resource's address. A VM created
// with PrivateOnly has no public IP, in which case public comes back
// empty and callers fall back to the private address for everything.
func (d *AzureDriver) Addresses(ctx context.Context, handle string) (public, private string, err error) {
	nicResp, err := d.nicCli.Get(ctx, d.cfg.ResourceGroup, nicName(handle), nil)
	if err != nil {
		return "", "", fmt.Errorf("get network interface: %w", err)
	}
	if nicResp.Properties == nil || len(nicResp.Properties.IPConfigurations) == 0 {
		return "", "", fmt.Errorf("nic %s has no ip configurations", nicName(handle))
	}
	ipCfg := nicResp.Properties.IPConfigurations[0].Properties
	if ipCfg == nil || ipCfg.PrivateIPAddress == nil {
		return "", "", fmt.Errorf("nic %s has no private address", nicName(handle))
	}
	private = *ipCfg.PrivateIPAddress

	if ipCfg.PublicIPAddress == nil || ipCfg.PublicIPAddress.ID == nil {
		return "", private, nil
	}

	pipResp, err := d.ipCli.Get(ctx, d.cfg.ResourceGroup, pipName(handle), nil)
	if err != nil {
		return "", private, fmt.Errorf("get public ip: %w", err)
	}
	if pipResp.Properties != nil && pipResp.Properties.IPAddress != nil {
		public = *pipResp.Properties.IPAddress
	}
	return public, private, nil
}

// Terminate deletes the VM and then its NIC and public IP. The VM delete
// is awaited because ARM refuses to delete a NIC still attached to a
// live VM. The NIC delete is awaited as well; the public IP delete is
// issued without waiting for it to finish. NotFound is tolerated at
// each step, any other failure is returned.
func (d *AzureDriver) Terminate(ctx context.Context, handle string) error {
	poller, err := d.vmCli.BeginDelete(ctx, d.cfg.ResourceGroup, handle, nil)
	if err != nil {
		if !isAzureNotFound(err) {
			return fmt.Errorf("begin delete vm: %w", err)
		}
	} else if _, err := poller.PollUntilDone(ctx, nil); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("delete vm: %w", err)
	}

	if nicPoller, err := d.nicCli.BeginDelete(ctx, d.cfg.ResourceGroup, nicName(handle), nil); err == nil {
		if _, err := nicPoller.PollUntilDone(ctx, nil); err != nil && !isAzureNotFound(err) {
			return fmt.Errorf("delete network interface: %w", err)
		}
	} else if !isAzureNotFound(err) {
		return fmt.Errorf("begin delete network interface: %w", err)
	}

	if _, err := d.ipCli.BeginDelete(ctx, d.cfg.ResourceGroup, pipName(handle), nil); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("begin delete public ip: %w", err)
	}
	return nil
}

func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "was not found")
}

// tagMap converts a flat tag list into ARM's map[string]*string shape,
// capped at max entries (ARM's own tag-count limit, advertised through
// Capabilities rather than hardcoded at call sites).
func tagMap(tags []string, max int) map[string]*string {
	out := make(map[string]*string, len(tags))
	for i, t := range tags {
		if max > 0 && i >= max {
			break
		}
		out[fmt.Sprintf("tag%d", i)] = to.Ptr(t)
	}
	return out
}
