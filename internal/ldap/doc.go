/*
Package ldap provides the pooled connection layer of the compensating LDAP
transaction runtime.

# Architecture Overview

The package is organized into several core components:

  - DialFactory: creates raw go-ldap connections with simple or Kerberos bind,
    discovering servers through DNS SRV records when no URL is configured
  - FailureClassifier: sorts errors into transient and non-transient kinds
  - FailureAwareConn: forwards operations and remembers non-transient failures
  - KeyedPool: one bounded partition per ConnectionMode
  - Reader: paged searches and root DSE reads over the read-only partition

# Connection Pooling

KeyedPool hands out PooledConnection values. Closing a pooled connection
returns it to its partition instead of closing the socket:

  - MaxActive bounds borrowed connections; Borrow waits up to MaxWait and then
    fails with ErrPoolExhausted
  - connections are validated on borrow, on return and while idle as
    configured
  - a connection whose decorator saw a non-transient error is never handed
    out again and is destroyed on return

# Failure Classification

By default network errors (go-ldap result codes 200, 81 and 91) and any
net.Error are non-transient. A non-transient error means the socket itself
is unusable; everything else is a property of the request.

# Error Handling

Errors wrap the underlying go-ldap error, so result codes stay available
through errors.As and ResultCode. ConfigurationError reports setup problems
before any connection is made.

# Logging

Logging goes through terraform-plugin-log subsystems "ldap", "pool" and
"transaction". NewLoggingContext registers them, with levels taken from
LDAPTX_LOG_LDAP, LDAPTX_LOG_POOL and LDAPTX_LOG_TRANSACTION.

# Example Usage

	config, err := ldap.LoadConfig("ldaptx.yaml")
	if err != nil {
		return err
	}
	factory, err := ldap.NewDialFactory(ctx, config)
	if err != nil {
		return err
	}
	pool, err := ldap.NewKeyedPool(ctx, factory, config)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Borrow(ctx, ldap.ReadOnly)
	if err != nil {
		return err
	}
	defer conn.Close()
*/
package ldap
