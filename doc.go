// Package stratisd holds the identifiers, units, and error and interface
// types shared by every engine subpackage.
//
// The engine core itself lives under internal/ (metadata, allocator,
// devicemapper, devstack, thinpool, pool, discovery, encryption,
// persistence, registry, engine); this package only carries the small
// vocabulary those subpackages all need, so that none of them has to
// import another to talk about a pool UUID or an ActionAvailability.
package stratisd
