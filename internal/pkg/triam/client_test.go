package triam

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type iamMock struct {
	iamiface.IAMAPI
	roleExists                    bool
	policyExists                  bool
	deleteErr                     error
	capturedCreateRoleInput       *iam.CreateRoleInput
	capturedPutRolePolicyInput    *iam.PutRolePolicyInput
	capturedDeleteRolePolicyInput *iam.DeleteRolePolicyInput
	capturedDeleteRoleInput       *iam.DeleteRoleInput
}

func (i *iamMock) GetRole(input *iam.GetRoleInput) (*iam.GetRoleOutput, error) {
	if !i.roleExists {
		return nil, errors.New("NoSuchEntity")
	}
	return &iam.GetRoleOutput{
		Role: &iam.Role{
			RoleName: input.RoleName,
			Arn:      aws.String("existingARN"),
		},
	}, nil
}

func (i *iamMock) CreateRole(input *iam.CreateRoleInput) (*iam.CreateRoleOutput, error) {
	i.capturedCreateRoleInput = input
	return &iam.CreateRoleOutput{
		Role: &iam.Role{
			Arn: aws.String("testARN"),
		},
	}, nil
}

func (i *iamMock) GetRolePolicy(input *iam.GetRolePolicyInput) (*iam.GetRolePolicyOutput, error) {
	if !i.policyExists {
		return nil, errors.New("NoSuchEntity")
	}
	return &iam.GetRolePolicyOutput{
		PolicyName: input.PolicyName,
	}, nil
}

func (i *iamMock) PutRolePolicy(input *iam.PutRolePolicyInput) (*iam.PutRolePolicyOutput, error) {
	i.capturedPutRolePolicyInput = input
	return nil, nil
}

func (i *iamMock) DeleteRolePolicy(input *iam.DeleteRolePolicyInput) (*iam.DeleteRolePolicyOutput, error) {
	i.capturedDeleteRolePolicyInput = input
	return nil, i.deleteErr
}

func (i *iamMock) DeleteRole(input *iam.DeleteRoleInput) (*iam.DeleteRoleOutput, error) {
	i.capturedDeleteRoleInput = input
	return nil, i.deleteErr
}

func TestDeployPermissions(t *testing.T) {
	mock := &iamMock{}
	client := &IAMClient{mock}

	arn, err := client.DeployPermissions("trickle-role")
	require.NoError(t, err)
	assert.Equal(t, "testARN", arn)

	assert.Equal(t, "trickle-role", aws.StringValue(mock.capturedCreateRoleInput.RoleName))
	assert.Equal(t, AssumePolicyDocument, aws.StringValue(mock.capturedCreateRoleInput.AssumeRolePolicyDocument))
	assert.Equal(t, PolicyName, aws.StringValue(mock.capturedPutRolePolicyInput.PolicyName))
	assert.Equal(t, SinkPolicyDocument, aws.StringValue(mock.capturedPutRolePolicyInput.PolicyDocument))
}

func TestDeployPermissionsExisting(t *testing.T) {
	mock := &iamMock{roleExists: true, policyExists: true}
	client := &IAMClient{mock}

	arn, err := client.DeployPermissions("trickle-role")
	require.NoError(t, err)
	assert.Equal(t, "existingARN", arn)
	assert.Nil(t, mock.capturedCreateRoleInput)
	assert.Nil(t, mock.capturedPutRolePolicyInput)
}

func TestDeletePermissions(t *testing.T) {
	mock := &iamMock{}
	client := &IAMClient{mock}

	require.NoError(t, client.DeletePermissions("trickle-role"))
	assert.Equal(t, "trickle-role", aws.StringValue(mock.capturedDeleteRoleInput.RoleName))
	assert.Equal(t, PolicyName, aws.StringValue(mock.capturedDeleteRolePolicyInput.PolicyName))
}

func TestDeletePermissionsAttemptsBoth(t *testing.T) {
	mock := &iamMock{deleteErr: errors.New("denied")}
	client := &IAMClient{mock}

	err := client.DeletePermissions("trickle-role")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete policy")
	assert.Contains(t, err.Error(), "delete role")
	assert.NotNil(t, mock.capturedDeleteRoleInput)
}
