package driver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"precip/internal/netcheck"
	"precip/internal/registry"
)

// maxEC2UserTags is the observed EC2 tag cap at the time this module was
// written. Capabilities() is what the engine consults; the cap never
// appears in engine logic directly.
const maxEC2UserTags = 10

// EC2Config is the constructor bundle for EC2-family backends (real EC2,
// OpenStack, Eucalyptus, Nimbus are all parameterizations of this one
// driver, differing only in region/endpoint).
type EC2Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string

	// SecurityGroup defaults to "precip". The keypair name is always
	// "precip_<uid>", registered by PrepareAccount.
	SecurityGroup string
}

// EC2Driver drives EC2-compatible backends (EC2 proper, OpenStack,
// Eucalyptus, Nimbus) through a single boto-equivalent client.
type EC2Driver struct {
	cfg    EC2Config
	client *ec2.Client

	// keyName is recorded by PrepareAccount so StartOne can launch
	// instances against the account's registered keypair. Guarded by mu
	// since the engine may call StartOne from several goroutines.
	mu      sync.Mutex
	keyName string
}

var _ Driver = (*EC2Driver)(nil)

// NewEC2Driver builds an EC2Driver. region "nimbus" forces the endpoint
// parse to TLS per the legacy grammar in ParseEndpoint.
func NewEC2Driver(ctx context.Context, cfg EC2Config) (*EC2Driver, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("access_key and secret_key are required")
	}

	var baseEndpoint string
	if cfg.Endpoint != "" {
		ep, err := ParseEndpoint(cfg.Endpoint, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("parsing endpoint: %w", err)
		}
		baseEndpoint = ep.URL()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if baseEndpoint != "" {
			o.BaseEndpoint = aws.String(baseEndpoint)
		}
	})

	if cfg.SecurityGroup == "" {
		cfg.SecurityGroup = "precip"
	}

	return &EC2Driver{cfg: cfg, client: client}, nil
}

func (d *EC2Driver) Name() string { return "ec2" }

func (d *EC2Driver) Capabilities() Capabilities {
	return Capabilities{
		MaxTags:       maxEC2UserTags,
		AdminUser:     "root",
		BootstrapPath: "/root/vm-bootstrap.sh",
	}
}

// PrepareAccount registers the account's public key as an EC2 keypair
// named precip_<uid> and ensures the "precip" security group exists,
// opening inbound 22 from anywhere plus intra-group traffic. Both calls
// tolerate "already exists" from the backend.
func (d *EC2Driver) PrepareAccount(ctx context.Context, uid, publicKeyPath string) error {
	keyName := "precip_" + uid

	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}

	_, err = d.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(keyName),
		PublicKeyMaterial: pubBytes,
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("importing key pair: %w", err)
	}

	sgOut, err := d.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(d.cfg.SecurityGroup),
		Description: aws.String("precip experiment instances"),
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("creating security group: %w", err)
	}

	var groupID *string
	if sgOut != nil {
		groupID = sgOut.GroupId
	}

	_, err = d.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:    groupID,
		GroupName:  aws.String(d.cfg.SecurityGroup),
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(22),
		ToPort:     aws.Int32(22),
		CidrIp:     aws.String("0.0.0.0/0"),
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("authorizing ssh ingress: %w", err)
	}

	// Instances in the group also need to reach each other on any port.
	_, err = d.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:   groupID,
		GroupName: aws.String(d.cfg.SecurityGroup),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("-1"),
			UserIdGroupPairs: []ec2types.UserIdGroupPair{
				{GroupName: aws.String(d.cfg.SecurityGroup)},
			},
		}},
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("authorizing intra-group traffic: %w", err)
	}

	d.mu.Lock()
	d.keyName = keyName
	d.mu.Unlock()
	return nil
}

// StartOne issues a single RunInstances call and returns the instance id
// as the opaque handle. Each label rides as its own tag key (empty
// value), so tag-subset filters map directly onto the backend's tags.
func (d *EC2Driver) StartOne(ctx context.Context, params registry.LaunchParams) (string, error) {
	tags := make([]ec2types.Tag, 0, len(params.Tags))
	maxTags := d.Capabilities().MaxTags
	for i, t := range params.Tags {
		if maxTags > 0 && i >= maxTags {
			break
		}
		tags = append(tags, ec2types.Tag{Key: aws.String(t), Value: aws.String("")})
	}

	d.mu.Lock()
	keyName := d.keyName
	d.mu.Unlock()
	if keyName == "" {
		return "", fmt.Errorf("account not prepared: no keypair registered")
	}

	input := &ec2.RunInstancesInput{
		ImageId:        aws.String(params.Image),
		InstanceType:   ec2types.InstanceType(params.Size),
		KeyName:        aws.String(keyName),
		MinCount:       aws.Int32(1),
		MaxCount:       aws.Int32(1),
		SecurityGroups: []string{d.cfg.SecurityGroup},
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
		},
	}
	if params.Network != "" {
		input.SubnetId = aws.String(params.Network)
	}

	out, err := d.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("run instances: %w", err)
	}
	if len(out.Instances) != 1 {
		return "", fmt.Errorf("run instances: expected 1 instance, got %d", len(out.Instances))
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

// PollReady treats "pending" as Pending, a terminal failure state as
// Error, and anything else (running, ...) paired with a resolvable
// public address as Ready.
func (d *EC2Driver) PollReady(ctx context.Context, handle string) (PollOutcome, error) {
	out, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil {
		// Describe failures are transient (eventual consistency lag right
		// after RunInstances) and are swallowed by the caller as Pending.
		return PollOutcome{Status: StatusPending}, nil
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return PollOutcome{Status: StatusPending}, nil
	}

	inst := out.Reservations[0].Instances[0]
	if inst.State == nil {
		return PollOutcome{Status: StatusPending}, nil
	}
	state := inst.State.Name

	switch state {
	case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
		return PollOutcome{Status: StatusError, Err: fmt.Errorf("instance %s reached state %s", handle, state)}, nil
	case ec2types.InstanceStateNamePending:
		return PollOutcome{Status: StatusPending}, nil
	}

	publicAddr := aws.ToString(inst.PublicDnsName)
	if publicAddr == "" || netcheck.IsPrivate(publicAddr) {
		if err := d.ensureElasticIP(ctx, handle); err != nil {
			return PollOutcome{Status: StatusError, Err: err}, nil
		}
		// The address won't show up until the next poll.
		return PollOutcome{Status: StatusPending}, nil
	}

	return PollOutcome{Status: StatusReady}, nil
}

// ensureElasticIP binds an unused elastic IP to handle, allocating a new
// one if none is available, per the EC2-family readiness rule that
// requires a routable public address.
func (d *EC2Driver) ensureElasticIP(ctx context.Context, handle string) error {
	addrs, err := d.client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{})
	if err != nil {
		return fmt.Errorf("describe addresses: %w", err)
	}

	var allocationID *string
	for _, a := range addrs.Addresses {
		if a.InstanceId == nil {
			allocationID = a.AllocationId
			break
		}
	}

	if allocationID == nil {
		alloc, err := d.client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
			Domain: ec2types.DomainTypeVpc,
		})
		if err != nil {
			return fmt.Errorf("allocate address: %w", err)
		}
		allocationID = alloc.AllocationId
	}

	_, err = d.client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId: allocationID,
		InstanceId:   aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("associate address: %w", err)
	}
	return nil
}

func (d *EC2Driver) Addresses(ctx context.Context, handle string) (public, private string, err error) {
	out, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil {
		return "", "", fmt.Errorf("describe instances: %w", err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return "", "", fmt.Errorf("instance %s not found", handle)
	}
	inst := out.Reservations[0].Instances[0]
	return aws.ToString(inst.PublicDnsName), aws.ToString(inst.PrivateDnsName), nil
}

func (d *EC2Driver) Terminate(ctx context.Context, handle string) error {
	_, err := d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("terminate instances: %w", err)
	}
	return nil
}

// isAlreadyExists loosely detects "this already happened" responses
// across the handful of AWS error codes that mean the same thing
// (InvalidKeyPair.Duplicate, InvalidGroup.Duplicate,
// InvalidInstanceID.NotFound, ...).
func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"Duplicate", "NotFound", "already exists", "does not exist"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
