// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package search ranks stored document elements against a free-text query.
//
// The Searcher embeds the query with the same model the ingestion run used and
// scores stored elements by cosine similarity. Elements whose text contains
// every query word (stop words aside) get a fixed boost, so exact phrasing
// surfaces above loosely related passages.
package search
