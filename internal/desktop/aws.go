package desktop

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
)

type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type AWSProvisionerOptions struct {
	AMIByRegion   map[string]string
	InstanceType  string
	SubnetID      string
	SecurityGroup []string
	KeyName       string
	DisplayPort   int
	WaitTimeout   time.Duration
}

// AWSProvisioner launches one EC2 display host per desktop session.
type AWSProvisioner struct {
	opts      AWSProvisionerOptions
	retry     retryPolicy
	newClient func(ctx context.Context, region string) (ec2API, error)
}

func NewAWSProvisioner(opts AWSProvisionerOptions) (*AWSProvisioner, error) {
	if len(opts.AMIByRegion) == 0 {
		return nil, fmt.Errorf("AMIByRegion is required")
	}
	opts.InstanceType = strings.TrimSpace(opts.InstanceType)
	if opts.InstanceType == "" {
		opts.InstanceType = "g4dn.xlarge"
	}
	opts.SubnetID = strings.TrimSpace(opts.SubnetID)
	opts.KeyName = strings.TrimSpace(opts.KeyName)
	if opts.DisplayPort <= 0 {
		opts.DisplayPort = 8443
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 3 * time.Minute
	}
	return &AWSProvisioner{opts: opts, retry: defaultRetry, newClient: defaultEC2Client}, nil
}

func defaultEC2Client(ctx context.Context, region string) (ec2API, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

func (p *AWSProvisioner) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	amiID := strings.TrimSpace(req.ImageID)
	if amiID == "" {
		amiID = strings.TrimSpace(p.opts.AMIByRegion[req.Region])
	}
	if amiID == "" {
		return ProvisionResult{}, fmt.Errorf("no desktop image configured for region %s", req.Region)
	}
	instanceType := req.InstanceType
	if instanceType == "" {
		instanceType = p.opts.InstanceType
	}

	client, err := p.newClient(ctx, req.Region)
	if err != nil {
		return ProvisionResult{}, err
	}

	runInput := p.runInput(req, amiID, instanceType)
	var runOut *ec2.RunInstancesOutput
	err = p.observe(ctx, "run_instances", req, func(callCtx context.Context) error {
		var runErr error
		runOut, runErr = client.RunInstances(callCtx, runInput)
		return runErr
	})
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("run instances: %w", err)
	}
	if len(runOut.Instances) == 0 || runOut.Instances[0].InstanceId == nil {
		return ProvisionResult{}, fmt.Errorf("run instances: no instance returned")
	}
	instanceID := aws.ToString(runOut.Instances[0].InstanceId)

	waiter := ec2.NewInstanceRunningWaiter(client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, p.opts.WaitTimeout); err != nil {
		return ProvisionResult{}, fmt.Errorf("wait running %s: %w", instanceID, err)
	}

	var descOut *ec2.DescribeInstancesOutput
	err = p.observe(ctx, "describe_instances", req, func(callCtx context.Context) error {
		var descErr error
		descOut, descErr = client.DescribeInstances(callCtx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
		return descErr
	})
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("describe instances: %w", err)
	}
	host := publicHost(descOut)
	if host == "" {
		return ProvisionResult{}, fmt.Errorf("instance %s has no public address", instanceID)
	}

	return ProvisionResult{
		AWSInstanceID: instanceID,
		AMIID:         amiID,
		InstanceType:  instanceType,
		HostAddress:   hostAddress(host, p.opts.DisplayPort),
	}, nil
}

func (p *AWSProvisioner) runInput(req ProvisionRequest, amiID, instanceType string) *ec2.RunInstancesInput {
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(amiID),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(hostUserData(req)),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String("smartpc-desktop-" + req.SessionID)},
				{Key: aws.String("ManagedBy"), Value: aws.String("smartpc-control-plane")},
				{Key: aws.String("SmartPCSessionID"), Value: aws.String(req.SessionID)},
				{Key: aws.String("SmartPCUserID"), Value: aws.String(req.UserID)},
			},
		}},
	}
	if p.opts.KeyName != "" {
		in.KeyName = aws.String(p.opts.KeyName)
	}
	switch {
	case p.opts.SubnetID != "":
		eni := ec2types.InstanceNetworkInterfaceSpecification{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			SubnetId:                 aws.String(p.opts.SubnetID),
		}
		if len(p.opts.SecurityGroup) > 0 {
			eni.Groups = p.opts.SecurityGroup
		}
		in.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{eni}
	case len(p.opts.SecurityGroup) > 0:
		in.SecurityGroupIds = p.opts.SecurityGroup
	}
	return in
}

// hostUserData seeds the display host agent with the session it serves.
func hostUserData(req ProvisionRequest) string {
	script := fmt.Sprintf("#!/bin/bash\ncat >/etc/smartpc/session.env <<'EOF'\nSMARTPC_SESSION_ID=%s\nSMARTPC_AUTH_TOKEN=%s\nEOF\nsystemctl restart smartpc-display-agent\n",
		req.SessionID, req.AuthToken)
	return base64.StdEncoding.EncodeToString([]byte(script))
}

func (p *AWSProvisioner) Deprovision(ctx context.Context, req DeprovisionRequest) error {
	if strings.TrimSpace(req.AWSInstanceID) == "" {
		return nil
	}
	client, err := p.newClient(ctx, req.Region)
	if err != nil {
		return err
	}
	err = p.observe(ctx, "terminate_instances", ProvisionRequest{SessionID: req.SessionID, Region: req.Region}, func(callCtx context.Context) error {
		_, termErr := client.TerminateInstances(callCtx, &ec2.TerminateInstancesInput{InstanceIds: []string{req.AWSInstanceID}})
		return termErr
	})
	if err != nil && !shouldIgnoreTerminateError(err) {
		return fmt.Errorf("terminate instance: %w", err)
	}
	return nil
}

// observe wraps one retried EC2 call with latency logging and op metrics.
func (p *AWSProvisioner) observe(ctx context.Context, op string, req ProvisionRequest, fn func(context.Context) error) error {
	start := time.Now()
	err := retryAWS(ctx, p.retry, op, req.Region, fn)
	durMS := time.Since(start).Milliseconds()
	status := "ok"
	switch {
	case err != nil && op == "terminate_instances" && shouldIgnoreTerminateError(err):
		status = "ignored"
	case err != nil:
		status = "error"
	}
	log.Printf("metric=aws_%s_latency_ms region=%s session_id=%s value=%d status=%s", op, req.Region, req.SessionID, durMS, status)
	labels := map[string]string{"op": op, "region": req.Region, "status": status}
	metrics.Default().IncCounter("smartpc_aws_operations_total", labels)
	metrics.Default().ObserveHistogram("smartpc_aws_operation_latency_ms", float64(durMS), labels)
	return err
}

// publicHost prefers the public DNS name so TLS certificates can match it.
func publicHost(out *ec2.DescribeInstancesOutput) string {
	var ip string
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if dns := strings.TrimSpace(aws.ToString(inst.PublicDnsName)); dns != "" {
				return dns
			}
			if v := strings.TrimSpace(aws.ToString(inst.PublicIpAddress)); v != "" && ip == "" {
				ip = v
			}
		}
	}
	return ip
}
