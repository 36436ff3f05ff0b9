package gcp

import (
	"context"
	"fmt"

	"google.golang.org/api/cloudbilling/v1"
	"google.golang.org/api/cloudresourcemanager/v1"
)

// iamPolicyVersion requests the policy format that carries conditional
// bindings, so a write never silently drops them.
const iamPolicyVersion = 3

// RemoveMemberFromRoles does an optimistic read-modify-write of the
// resource's IAM policy: the whole RMW runs inside one retry operation,
// so an etag conflict (409/412) re-reads a fresh policy. Bindings whose
// role is outside roles — conditions included — are preserved untouched.
func (s *Service) RemoveMemberFromRoles(ctx context.Context, resource, member string, roles []string) (bool, error) {
	id, isBilling, err := resourceKind(resource)
	if err != nil {
		return false, err
	}

	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	removed := false
	err = s.exec.Do(ctx, "setIamPolicy", func(ctx context.Context) error {
		removed = false
		if isBilling {
			return s.removeBillingMember(ctx, id, member, roleSet, &removed)
		}
		return s.removeProjectMember(ctx, id, member, roleSet, &removed)
	})
	if err != nil {
		return false, fmt.Errorf("gcp: failed to update IAM policy on %s: %w", resource, err)
	}
	return removed, nil
}

func (s *Service) removeProjectMember(ctx context.Context, projectID, member string, roles map[string]bool, removed *bool) error {
	if err := s.gate.Acquire(ctx, s.identity); err != nil {
		return err
	}
	policy, err := s.crm.Projects.GetIamPolicy(projectID, &cloudresourcemanager.GetIamPolicyRequest{
		Options: &cloudresourcemanager.GetPolicyOptions{RequestedPolicyVersion: iamPolicyVersion},
	}).Context(ctx).Do()
	if err != nil {
		return err
	}

	var kept []*cloudresourcemanager.Binding
	changed := false
	for _, b := range policy.Bindings {
		if !roles[b.Role] {
			kept = append(kept, b)
			continue
		}
		members, dropped := dropMember(b.Members, member)
		if !dropped {
			kept = append(kept, b)
			continue
		}
		changed = true
		if len(members) > 0 {
			b.Members = members
			kept = append(kept, b)
		}
	}
	if !changed {
		return nil
	}

	policy.Bindings = kept
	policy.Version = iamPolicyVersion
	if err := s.gate.Acquire(ctx, s.identity); err != nil {
		return err
	}
	_, err = s.crm.Projects.SetIamPolicy(projectID, &cloudresourcemanager.SetIamPolicyRequest{
		Policy: policy,
	}).Context(ctx).Do()
	if err != nil {
		return err
	}
	*removed = true
	return nil
}

func (s *Service) removeBillingMember(ctx context.Context, resource, member string, roles map[string]bool, removed *bool) error {
	if err := s.gate.Acquire(ctx, s.identity); err != nil {
		return err
	}
	policy, err := s.billing.BillingAccounts.GetIamPolicy(resource).
		OptionsRequestedPolicyVersion(iamPolicyVersion).Context(ctx).Do()
	if err != nil {
		return err
	}

	var kept []*cloudbilling.Binding
	changed := false
	for _, b := range policy.Bindings {
		if !roles[b.Role] {
			kept = append(kept, b)
			continue
		}
		members, dropped := dropMember(b.Members, member)
		if !dropped {
			kept = append(kept, b)
			continue
		}
		changed = true
		if len(members) > 0 {
			b.Members = members
			kept = append(kept, b)
		}
	}
	if !changed {
		return nil
	}

	policy.Bindings = kept
	policy.Version = iamPolicyVersion
	if err := s.gate.Acquire(ctx, s.identity); err != nil {
		return err
	}
	_, err = s.billing.BillingAccounts.SetIamPolicy(resource, &cloudbilling.SetIamPolicyRequest{
		Policy: policy,
	}).Context(ctx).Do()
	if err != nil {
		return err
	}
	*removed = true
	return nil
}

func dropMember(members []string, member string) ([]string, bool) {
	var kept []string
	dropped := false
	for _, m := range members {
		if m == member {
			dropped = true
			continue
		}
		kept = append(kept, m)
	}
	return kept, dropped
}
