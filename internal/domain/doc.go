// Package domain holds the records both reminder loops read (tasks, class
// slots, habits), the push subscription rows, and the dedup flag shapes the
// loops write back.
//
// Each loop owns its own flags (Owner). A loop only ever patches flags of the
// owner it runs as; it never touches the rest of a record.
package domain
