// Package widget keeps one timer per widget instance and runs each
// instance's script on the shared worker pool.
//
// Every cycle re-reads the widget from the store, executes it in the
// sandbox with a timeout below its refresh period, stores the result as
// the instance's latest and publishes a widgetUpdate to the widget's
// project. The instance is re-armed from the refresh it carries at that
// moment, so edits apply from the next cycle on.
package widget
