package validators

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/schema/validator"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
)

var _ validator.String = dnValidator{}

// dnValidator checks RFC 4514 distinguished name syntax.
type dnValidator struct {
	allowEmpty bool
}

func (v dnValidator) Description(_ context.Context) string {
	if v.allowEmpty {
		return "value must be empty or a valid Distinguished Name (DN)"
	}
	return "value must be a valid Distinguished Name (DN)"
}

func (v dnValidator) MarkdownDescription(ctx context.Context) string {
	return v.Description(ctx)
}

func (v dnValidator) ValidateString(ctx context.Context, request validator.StringRequest, response *validator.StringResponse) {
	if request.ConfigValue.IsNull() || request.ConfigValue.IsUnknown() {
		return
	}

	value := request.ConfigValue.ValueString()
	if value == "" && v.allowEmpty {
		return
	}

	if err := ldapclient.ValidateDNSyntax(value); err != nil {
		response.Diagnostics.AddAttributeError(
			request.Path,
			"Invalid Distinguished Name",
			fmt.Sprintf("The value %q is not a valid Distinguished Name: %s", value, err.Error()),
		)
	}
}

// IsValidDN returns a validator which ensures that any configured
// attribute value is a valid, non-empty Distinguished Name.
//
// Unknown values and null values are skipped from validation.
func IsValidDN() validator.String {
	return dnValidator{}
}

// IsValidDNOrEmpty is IsValidDN that also accepts the empty string, which
// names the root DSE.
func IsValidDNOrEmpty() validator.String {
	return dnValidator{allowEmpty: true}
}
