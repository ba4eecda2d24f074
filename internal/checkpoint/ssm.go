package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/BartekS5/totesys-etl/pkg/utils"
)

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// SSMStore keeps the checkpoint and the run lease in Parameter Store.
type SSMStore struct {
	client   SSMAPI
	name     string
	lockName string
	Now      func() time.Time
}

func NewSSMStore(client SSMAPI, name, lockName string) *SSMStore {
	return &SSMStore{client: client, name: name, lockName: lockName, Now: time.Now}
}

func (s *SSMStore) Get(ctx context.Context) (*time.Time, error) {
	v, err := s.getParameter(ctx, s.name)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", s.name, err)
	}
	if v == "" {
		return nil, nil
	}
	t, err := utils.ParseTimestamp(v)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s holds an invalid timestamp: %w", s.name, err)
	}
	return &t, nil
}

// Advance reads and compares before writing. The read-compare-write is only
// safe while the caller holds the lease.
func (s *SSMStore) Advance(ctx context.Context, prev *time.Time, next time.Time) error {
	current, err := s.Get(ctx)
	if err != nil {
		return err
	}
	noop, err := checkAdvance(current, prev, next)
	if err != nil || noop {
		return err
	}
	return s.Overwrite(ctx, next)
}

func (s *SSMStore) Overwrite(ctx context.Context, value time.Time) error {
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:        aws.String(s.name),
		Value:       aws.String(value.UTC().Format(time.RFC3339Nano)),
		Description: aws.String("Extraction window upper bound of the last successful run"),
		Type:        ssmtypes.ParameterTypeString,
		Overwrite:   aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", s.name, err)
	}
	return nil
}

// Acquire creates the lock parameter without overwrite, so only one run can
// win. An expired lease is taken over.
func (s *SSMStore) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	value := owner + "|" + s.Now().Add(ttl).UTC().Format(time.RFC3339Nano)

	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.lockName),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(false),
	})
	if err == nil {
		return nil
	}
	var exists *ssmtypes.ParameterAlreadyExists
	if !errors.As(err, &exists) {
		return fmt.Errorf("failed to acquire lease %s: %w", s.lockName, err)
	}

	holder, until, err := s.readLease(ctx)
	if err != nil {
		return err
	}
	if holder != owner && s.Now().Before(until) {
		return fmt.Errorf("%w: %s until %s", ErrLeaseHeld, holder, until.Format(time.RFC3339))
	}

	if _, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.lockName),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	}); err != nil {
		return fmt.Errorf("failed to take over lease %s: %w", s.lockName, err)
	}

	// Two runs may race to take over the same expired lease; the last writer wins.
	holder, _, err = s.readLease(ctx)
	if err != nil {
		return err
	}
	if holder != owner {
		return fmt.Errorf("%w: %s", ErrLeaseHeld, holder)
	}
	return nil
}

func (s *SSMStore) Release(ctx context.Context, owner string) error {
	holder, _, err := s.readLease(ctx)
	if err != nil {
		return err
	}
	if holder != owner {
		return nil
	}
	_, err = s.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(s.lockName)})
	var nf *ssmtypes.ParameterNotFound
	if err != nil && !errors.As(err, &nf) {
		return fmt.Errorf("failed to release lease %s: %w", s.lockName, err)
	}
	return nil
}

func (s *SSMStore) readLease(ctx context.Context) (string, time.Time, error) {
	v, err := s.getParameter(ctx, s.lockName)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read lease %s: %w", s.lockName, err)
	}
	if v == "" {
		return "", time.Time{}, nil
	}
	holder, expiry, ok := strings.Cut(v, "|")
	if !ok {
		return holder, time.Time{}, nil
	}
	until, err := time.Parse(time.RFC3339Nano, expiry)
	if err != nil {
		return holder, time.Time{}, nil
	}
	return holder, until, nil
}

// getParameter returns "" for a missing parameter.
func (s *SSMStore) getParameter(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", err
	}
	if out.Parameter == nil {
		return "", nil
	}
	return aws.ToString(out.Parameter.Value), nil
}
