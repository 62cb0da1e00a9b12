// Package types holds the shared data model for safeabstract: the closed
// enum of reference kinds, the candidate/placeholder/abstraction records
// that flow between the extraction, abstraction and scoring stages, and the
// error taxonomy the validation pipeline reports.
package types

// ReferenceKind is a closed enumeration of the concrete-reference
// categories the Rule Registry can detect. It is deliberately a defined
// string type rather than a free-form string so that every switch over a
// ReferenceKind can be checked for exhaustiveness at a glance and so that
// config files and Mangle facts can use the same literal spelling.
type ReferenceKind string

const (
	KindFilePath            ReferenceKind = "file_path"
	KindIdentifier          ReferenceKind = "identifier"
	KindToken               ReferenceKind = "token"
	KindURL                 ReferenceKind = "url"
	KindIPAddress           ReferenceKind = "ip_address"
	KindPort                ReferenceKind = "port"
	KindContainerName       ReferenceKind = "container_name"
	KindImageTag            ReferenceKind = "image_tag"
	KindEnvVarValue         ReferenceKind = "env_var_value"
	KindTimestamp           ReferenceKind = "timestamp"
	KindDuration            ReferenceKind = "duration"
	KindEmail               ReferenceKind = "email"
	KindPhone               ReferenceKind = "phone"
	KindSSNLike             ReferenceKind = "ssn_like"
	KindCreditCardLike      ReferenceKind = "credit_card_like"
	KindUserHome            ReferenceKind = "user_home"
	KindTempPath            ReferenceKind = "temp_path"
	KindDBConnectionString  ReferenceKind = "db_connection_string"
)

// AllKinds lists every known ReferenceKind in a stable order, used to seed
// default policy's EnabledKinds and to validate config input.
var AllKinds = []ReferenceKind{
	KindFilePath,
	KindIdentifier,
	KindToken,
	KindURL,
	KindIPAddress,
	KindPort,
	KindContainerName,
	KindImageTag,
	KindEnvVarValue,
	KindTimestamp,
	KindDuration,
	KindEmail,
	KindPhone,
	KindSSNLike,
	KindCreditCardLike,
	KindUserHome,
	KindTempPath,
	KindDBConnectionString,
}

// Known reports whether k is one of the closed set of defined kinds.
func (k ReferenceKind) Known() bool {
	for _, candidate := range AllKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func (k ReferenceKind) String() string {
	return string(k)
}
