package triam

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// IAMClient deploys the role assumed by the sink function
type IAMClient struct {
	Client iamiface.IAMAPI
}

// AssumePolicyDocument lets Lambda assume the sink role
const AssumePolicyDocument = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {
        "Service": [
          "lambda.amazonaws.com"
        ]
      },
      "Action": "sts:AssumeRole"
    }
  ]
}`

// SinkPolicyDocument grants what a sink function needs: object access for
// staging, renaming and listing output, plus its own logs.
const SinkPolicyDocument = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Action": [
        "s3:GetObject",
        "s3:PutObject",
        "s3:DeleteObject",
        "s3:ListBucket",
        "s3:AbortMultipartUpload"
      ],
      "Resource": "arn:aws:s3:::*"
    },
    {
      "Effect": "Allow",
      "Action": [
        "logs:CreateLogGroup",
        "logs:CreateLogStream",
        "logs:PutLogEvents"
      ],
      "Resource": "*"
    }
  ]
}`

// PolicyName is the inline policy attached to the sink role
const PolicyName = "trickle-permissions"

// NewIAMClient initializes a new IAMClient from the shared AWS config
func NewIAMClient() *IAMClient {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	return &IAMClient{
		Client: iam.New(sess),
	}
}

func (c *IAMClient) deployRole(roleName string) (roleARN string, err error) {
	exists, err := c.Client.GetRole(&iam.GetRoleInput{
		RoleName: aws.String(roleName),
	})
	if exists != nil && exists.Role != nil && err == nil {
		log.Debugf("IAM Role '%s' already exists", roleName)
		return aws.StringValue(exists.Role.Arn), nil
	}

	log.Debugf("Creating IAM role '%s'", roleName)
	role, err := c.Client.CreateRole(&iam.CreateRoleInput{
		AssumeRolePolicyDocument: aws.String(AssumePolicyDocument),
		RoleName:                 aws.String(roleName),
	})
	if err != nil {
		return "", errors.Wrapf(err, "create role %s", roleName)
	}
	return aws.StringValue(role.Role.Arn), nil
}

func (c *IAMClient) deployPolicy(roleName string) error {
	exists, err := c.Client.GetRolePolicy(&iam.GetRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(PolicyName),
	})
	if exists != nil && err == nil {
		log.Debugf("Policy '%s' already exists", PolicyName)
		return nil
	}

	log.Debugf("Creating policy '%s'", PolicyName)
	_, err = c.Client.PutRolePolicy(&iam.PutRolePolicyInput{
		PolicyName:     aws.String(PolicyName),
		PolicyDocument: aws.String(SinkPolicyDocument),
		RoleName:       aws.String(roleName),
	})
	return errors.Wrapf(err, "put policy on %s", roleName)
}

// DeployPermissions creates the sink role and its policy if they are
// missing, and returns the role ARN.
func (c *IAMClient) DeployPermissions(roleName string) (roleARN string, err error) {
	roleARN, err = c.deployRole(roleName)
	if err != nil {
		return "", err
	}
	return roleARN, c.deployPolicy(roleName)
}

// DeletePermissions removes the policy and then the role. Both deletions are
// attempted.
func (c *IAMClient) DeletePermissions(roleName string) error {
	var result *multierror.Error
	_, err := c.Client.DeleteRolePolicy(&iam.DeleteRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(PolicyName),
	})
	if err != nil {
		result = multierror.Append(result, errors.Wrap(err, "delete policy"))
	}
	_, err = c.Client.DeleteRole(&iam.DeleteRoleInput{
		RoleName: aws.String(roleName),
	})
	if err != nil {
		result = multierror.Append(result, errors.Wrap(err, "delete role"))
	}
	return result.ErrorOrNil()
}
