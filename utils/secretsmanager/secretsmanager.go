/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package secretsmanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	gcpsecretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Credentials are the replica set login stored in a cloud secret, formatted
// as `username:password`.
type Credentials struct {
	Username string
	Password string
}

func FetchAWSSecret(ctx context.Context, secretId string, region string) (*Credentials, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load default aws config")
	}

	secrets := secretsmanager.NewFromConfig(cfg)
	res, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretId})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get aws secret")
	}
	if res.SecretString == nil {
		return nil, errors.Errorf("aws secret %s not a string", secretId)
	}

	return ParseCredentials(*res.SecretString)
}

func FetchAzureSecret(ctx context.Context, secretId string, keyVaultName string) (*Credentials, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to obtain azure credential")
	}

	client, err := azsecrets.NewClient(fmt.Sprintf("https://%s.vault.azure.net/", keyVaultName), cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create azure client")
	}

	// empty version is the latest
	resp, err := client.GetSecret(ctx, secretId, "", nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get azure secret")
	}
	if resp.Value == nil {
		return nil, errors.Errorf("azure secret %s has no value", secretId)
	}

	return ParseCredentials(*resp.Value)
}

func FetchGcpSecret(ctx context.Context, secretId string, projectId string) (*Credentials, error) {
	client, err := gcpsecretmanager.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gcp secretmanager client")
	}
	defer client.Close()

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectId, secretId),
	}

	result, err := client.AccessSecretVersion(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gcp secret")
	}

	return ParseCredentials(string(result.Payload.Data))
}

// ParseCredentials splits a secret on its first colon, so passwords may
// contain colons but usernames may not.
func ParseCredentials(secret string) (*Credentials, error) {
	username, password, ok := strings.Cut(strings.TrimSpace(secret), ":")
	if !ok || username == "" {
		return nil, errors.New("database credentials secret must be formatted `username:password`")
	}

	return &Credentials{
		Username: username,
		Password: password,
	}, nil
}
