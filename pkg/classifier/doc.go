// Package classifier maps free-text task descriptions to the resources they need.
//
// A Classifier walks an ordered rule table and returns the classification of the
// first rule whose keywords appear in the lowercased text. It never fails: text
// that matches nothing, including empty text, gets the fallback rule
// (confidence 0.88, strategy "general", no resources).
package classifier
