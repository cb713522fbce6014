/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# Journal: mount time replay of a log structured SSD array

## What is replayed?

Every write to the array lands in a write buffer stripe first and is
journaled before it is acknowledged. Metadata (block map, stripe map,
segment context, active stripe tails) is checkpointed lazily, so after a
crash the journal holds everything the checkpoints miss.

## Data Model

* Volume, rba --> vsa, the block map

* Vsid --> lsa, the stripe map, a stripe lives either in the write buffer or in the user area

* Segment, a group of user stripes with a valid block count and a state (free, nvram, ssd, victim)

* Active stripe tail, the next block to write of the open stripe of each volume, and of gc

* Log group, a journal buffer with its sequence number and a footer written at checkpoint


## Replay

Records are grouped per stripe. A stripe is finished once its stripe map
update (or its gc flush) record is seen; finished stripes are replayed as
soon as they close, the open ones at the end. Each stripe turns its
records into events (segment allocation, stripe allocation, block map
update, stripe map update, stripe flush) applied against the metadata.
Active tails, the ssd lsid and segment states are settled last.

Replaying twice gives the same metadata.


## Mount

ReadLogBuffer -> ReplayVolumeDeletion -> ReplayLogs -> FlushMetadata -> ResetLogBuffer


## Building Blocks

* Rocksdb / Badger
* gRPC
* Prometheus

*/

package journal
