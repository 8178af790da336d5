/*
Package ldap compiles model queries and writes into LDAP operations and runs
them over pooled connections.

# Architecture Overview

  - Client: connection pooling, SRV discovery, bind (simple, Kerberos, external) and retries
  - Session: one pinned connection for a unit of work; errors are never retried
  - Model and AttributeDescriptor: how model fields map to directory attributes and codecs
  - Predicate and CompileFilter: predicate trees to RFC 4515 filter strings
  - CompileSearch: filter, projection, ordering and slicing, with a strategy chosen from server capabilities
  - Cursor: executes a plan with sort+VLV, simple paging or a single search and shapes rows
  - Writer: add requests, diffed modify plans, renames and deletes
  - TransactionCoordinator: RFC 5805 start, attach and end

# Search Strategies

The planner picks one of:

  - StrategySortAndWindow: server-side sort (RFC 2891) with a VLV window; needs both controls
  - StrategySimplePaging: RFC 2696 paged results, sorted and sliced on the client
  - StrategyNoControl: one search request

Ordering by an annotation or by a rule the server cannot apply always falls
back to client-side sorting. Client-side sorting compares raw attribute
bytes.

# Error Handling

Every failure is an *LDAPError carrying an ErrorCategory. Categories match the
sentinel errors with errors.Is:

	if errors.Is(err, ldap.ErrIntegrity) {
		// entry already exists
	}

# Example Usage

	client, err := ldap.NewClient(&ldap.ConnectionConfig{
		LDAPURLs: []string{"ldaps://ldap.example.com"},
		Username: "cn=admin,dc=example,dc=com",
		Password: "secret",
	})
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.Session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	caps, err := session.Capabilities(ctx)
	if err != nil {
		return err
	}
	req, err := ldap.CompileSearch(query, caps)
	if err != nil {
		return err
	}
	cursor := ldap.NewCursor(session, nil)
	if err := cursor.Execute(ctx, req); err != nil {
		return err
	}
	for row, err := range cursor.Rows() {
		...
	}
*/
package ldap
