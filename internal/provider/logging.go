package provider

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
)

// subsystems are created on every request context so that library logging
// is not dropped. Levels come from TF_LOG_PROVIDER_LDAPDB_<SUBSYSTEM>.
var subsystems = []string{
	ldapclient.SubsystemProvider,
	ldapclient.SubsystemLDAP,
	ldapclient.SubsystemLDAPDB,
	ldapclient.SubsystemPool,
	ldapclient.SubsystemKerberos,
}

// initializeLogging initializes the logging subsystems for a request.
// Call it at the start of Configure, every data source Read and every
// resource CRUD method.
func initializeLogging(ctx context.Context) context.Context {
	for _, name := range subsystems {
		ctx = tflog.NewSubsystem(ctx, name,
			tflog.WithLevelFromEnv(subsystemLevelEnv(name)))
	}
	return ctx
}

func subsystemLevelEnv(subsystem string) string {
	return "TF_LOG_PROVIDER_LDAPDB_" + strings.ToUpper(subsystem)
}
