// Package reactionrole models reaction role rules: a Rule aggregate that owns the role
// Changes applied when a member reacts to a message and the Requirements the member must
// already satisfy. Every mutation is written through to the row store before the in-memory
// copy changes, and a deleted entity rejects all further use with ErrUseAfterDelete.
package reactionrole
