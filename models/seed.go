package models

// SeedProjects returns the records a fresh store starts with.
func SeedProjects() []Project {
	return []Project{
		{
			ID: 1, Name: "Website Redesign", Status: "In Progress",
			StartDate: "2024-01-01", EndDate: "2024-03-01", Progress: 40, Budget: 15000,
			Description: "Complete redesign of the company website with modern UI/UX principles and responsive design.",
			Tasks: []Task{
				{ID: 1, Title: "Design mockups", Status: TaskDone, AssignedTo: "John Doe", Priority: PriorityHigh},
				{ID: 2, Title: "Implement homepage", Status: TaskInProgress, AssignedTo: "Jane Smith", Priority: PriorityHigh},
				{ID: 3, Title: "Add contact form", Status: TaskTodo, AssignedTo: Unassigned, Priority: PriorityMedium},
			},
		},
		{
			ID: 2, Name: "Mobile App", Status: "Completed",
			StartDate: "2023-10-01", EndDate: "2024-01-10", Progress: 100, Budget: 25000,
			Description: "Native mobile application for iOS and Android with cross-platform features.",
			Tasks: []Task{
				{ID: 4, Title: "Setup project structure", Status: TaskDone, AssignedTo: "Mike Johnson", Priority: PriorityHigh},
				{ID: 5, Title: "Implement authentication", Status: TaskDone, AssignedTo: "Sarah Williams", Priority: PriorityHigh},
				{ID: 6, Title: "Deploy to app stores", Status: TaskDone, AssignedTo: "Mike Johnson", Priority: PriorityMedium},
			},
		},
		{
			ID: 3, Name: "CRM Integration", Status: "On Hold",
			StartDate: "2024-02-01", EndDate: "2024-05-01", Progress: 15, Budget: 20000,
			Description: "Integration with Salesforce CRM system for better customer management.",
			Tasks: []Task{
				{ID: 7, Title: "API research", Status: TaskDone, AssignedTo: "Alex Brown", Priority: PriorityHigh},
				{ID: 8, Title: "Build integration layer", Status: TaskTodo, AssignedTo: Unassigned, Priority: PriorityHigh},
			},
		},
		{
			ID: 4, Name: "E-commerce Platform", Status: "In Progress",
			StartDate: "2024-01-15", EndDate: "2024-06-30", Progress: 55, Budget: 45000,
			Description: "Building a full-featured e-commerce platform with payment integration.",
			Tasks: []Task{
				{ID: 9, Title: "Product catalog", Status: TaskDone, AssignedTo: "Emma Davis", Priority: PriorityHigh},
				{ID: 10, Title: "Shopping cart", Status: TaskInProgress, AssignedTo: "Liam Wilson", Priority: PriorityHigh},
			},
		},
		{
			ID: 5, Name: "Cloud Migration", Status: "In Progress",
			StartDate: "2024-02-10", EndDate: "2024-04-15", Progress: 30, Budget: 35000,
			Description: "Migrating legacy infrastructure to AWS cloud services.",
			Tasks: []Task{
				{ID: 11, Title: "Infrastructure planning", Status: TaskDone, AssignedTo: "Noah Martinez", Priority: PriorityHigh},
				{ID: 12, Title: "Database migration", Status: TaskInProgress, AssignedTo: "Olivia Garcia", Priority: PriorityHigh},
			},
		},
		{
			ID: 6, Name: "Data Analytics Dashboard", Status: "Completed",
			StartDate: "2023-09-01", EndDate: "2023-12-20", Progress: 100, Budget: 18000,
			Description: "Real-time analytics dashboard for business intelligence.",
			Tasks: []Task{
				{ID: 13, Title: "Data pipeline setup", Status: TaskDone, AssignedTo: "Sophia Rodriguez", Priority: PriorityHigh},
				{ID: 14, Title: "Visualization components", Status: TaskDone, AssignedTo: "James Lee", Priority: PriorityMedium},
			},
		},
	}
}
